package jobs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/jmcleod/ironsign/crl"
	"github.com/jmcleod/ironsign/model"
	"github.com/jmcleod/ironsign/store"
)

// JobUserDeleted is the queue name of the account removal job.
const JobUserDeleted = "user_deleted"

// UserRevoker revokes every certificate of a user.
type UserRevoker interface {
	RevokeUserCertificates(ctx context.Context, userID string, reason model.CRLReason, note, actor string) (int, error)
}

// UserDeleted detaches a removed account from the signing data. Files and
// sign requests are kept, only the account link is dropped; signers keep
// their display name.
type UserDeleted struct {
	store   *store.Store
	revoker UserRevoker
	logger  *slog.Logger
}

func NewUserDeleted(st *store.Store, revoker UserRevoker, logger *slog.Logger) *UserDeleted {
	if logger == nil {
		logger = slog.Default()
	}
	return &UserDeleted{store: st, revoker: revoker, logger: logger}
}

// Run handles a {user_id, display_name} payload. A payload without a user
// id is ignored.
func (u *UserDeleted) Run(ctx context.Context, args map[string]any) error {
	userID := stringArg(args, "user_id")
	if userID == "" {
		return nil
	}
	displayName := stringArg(args, "display_name")

	if u.revoker != nil {
		n, err := u.revoker.RevokeUserCertificates(ctx, userID, model.ReasonCessationOfOperation, "user account deleted", crl.SystemActor)
		if err != nil {
			u.logger.Error("revoking certificates of deleted user", "user_id", userID, "error", err)
		} else if n > 0 {
			u.logger.Info("revoked certificates of deleted user", "user_id", userID, "count", n)
		}
	}

	var errs []error
	if err := u.store.DeleteSigningIdentity(ctx, userID); err != nil {
		errs = append(errs, fmt.Errorf("deleting signing identity: %w", err))
	}

	files, err := u.store.ListFilesByOwner(ctx, userID)
	if err != nil {
		errs = append(errs, fmt.Errorf("listing files: %w", err))
	}
	for _, f := range files {
		_, _, err := u.store.ModifyFile(ctx, f.ID, func(cur *model.File) (bool, error) {
			if cur.UserID != userID {
				return false, nil
			}
			cur.UserID = ""
			return true, nil
		})
		if err != nil {
			errs = append(errs, fmt.Errorf("file %d: %w", f.ID, err))
		}
	}

	reqs, err := u.store.ListSignRequestsByUser(ctx, userID)
	if err != nil {
		errs = append(errs, fmt.Errorf("listing sign requests: %w", err))
	}
	for _, r := range reqs {
		_, _, err := u.store.ModifySignRequest(ctx, r.ID, func(cur *model.SignRequest) (bool, error) {
			if cur.UserID != userID {
				return false, nil
			}
			cur.UserID = ""
			if cur.DisplayName == "" {
				cur.DisplayName = displayName
			}
			return true, nil
		})
		if err != nil {
			errs = append(errs, fmt.Errorf("sign request %d: %w", r.ID, err))
		}
	}

	if err := errors.Join(errs...); err != nil {
		u.logger.Error("neutralising deleted user", "user_id", userID, "error", err)
		return err
	}
	u.logger.Info("deleted user neutralised", "user_id", userID, "files", len(files), "sign_requests", len(reqs))
	return nil
}
