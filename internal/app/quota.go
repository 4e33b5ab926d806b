/**
 * @description
 * Administrative quota operations. Today that is the support-desk reset of a
 * user's free-first-view markers, which re-arms the one-time free view for
 * every material the user has sampled.
 */

package app

import (
	"context"
	"log"
)

// ResetMaterialViews clears all free-first-view markers for the target user
// and returns how many were removed. Only an administrator may do this.
func (s *Service) ResetMaterialViews(ctx context.Context, actorID, targetID int64) (int64, error) {
	actor, err := s.repo.FindUserByID(ctx, actorID)
	if err != nil {
		return 0, err
	}
	if !actor.IsAdmin {
		return 0, ErrNotAuthorized
	}

	// Verify the target exists so a typo'd id fails loudly instead of
	// silently deleting nothing.
	if _, err := s.repo.FindUserByID(ctx, targetID); err != nil {
		return 0, err
	}
	cleared, err := s.repo.DeleteMaterialViews(ctx, targetID)
	if err != nil {
		return 0, err
	}
	log.Printf("level=info component=entitlement msg=\"material views reset\" actor_id=%d user_id=%d cleared=%d", actorID, targetID, cleared)
	return cleared, nil
}
