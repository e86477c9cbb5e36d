// Package docmdp enforces the document modification restrictions of
// certification signatures before more signers are requested or signatures
// applied.
package docmdp

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/jmcleod/ironsign/model"
	"github.com/jmcleod/ironsign/store"
)

// ErrDocMdpRestricted is wrapped by every ValidationError.
var ErrDocMdpRestricted = errors.New("document certification forbids this change")

// ValidationError is a user facing DocMDP violation.
type ValidationError struct {
	FileID   int64
	FileName string
	Level    model.DocMdpLevel
	Reason   string
}

func (e *ValidationError) Error() string {
	if e.FileName != "" {
		return fmt.Sprintf("file %q: %s", e.FileName, e.Reason)
	}
	return e.Reason
}

func (e *ValidationError) Unwrap() error { return ErrDocMdpRestricted }

// FileLookup loads files by id.
type FileLookup interface {
	GetFile(ctx context.Context, id int64) (*model.File, error)
}

// ContentLoader reads stored document bytes.
type ContentLoader interface {
	Get(ctx context.Context, key string) ([]byte, error)
}

// Signer is one requested signer in a SignersRequest.
type Signer struct {
	DisplayName    string               `json:"displayName,omitempty"`
	Email          string               `json:"email,omitempty"`
	UserID         string               `json:"userId,omitempty"`
	IdentifyMethod model.IdentifyMethod `json:"identifyMethod,omitempty"`
	SigningOrder   int                  `json:"signingOrder,omitempty"`
}

// SignersRequest asks for signers on a file. FileID 0 means the file has
// not been created yet.
type SignersRequest struct {
	FileID  int64    `json:"fileId,omitempty"`
	Signers []Signer `json:"signers"`
}

// Validator checks signer requests and PDFs against the effective level.
type Validator struct {
	files        FileLookup
	content      ContentLoader
	defaultLevel func() model.DocMdpLevel
	logger       *slog.Logger
}

// NewValidator builds a validator. defaultLevel returns the globally
// configured level and is consulted on every call.
func NewValidator(files FileLookup, content ContentLoader, defaultLevel func() model.DocMdpLevel, logger *slog.Logger) *Validator {
	if logger == nil {
		logger = slog.Default()
	}
	if defaultLevel == nil {
		defaultLevel = func() model.DocMdpLevel { return model.DocMdpNotCertified }
	}
	return &Validator{files: files, content: content, defaultLevel: defaultLevel, logger: logger}
}

// EffectiveLevel resolves the level that governs file. A nonzero file level
// wins; anything else defers to the configured default.
func (v *Validator) EffectiveLevel(file *model.File) model.DocMdpLevel {
	if file != nil && file.DocMdpLevel != model.DocMdpNotCertified {
		return file.DocMdpLevel
	}
	return v.defaultLevel()
}

// ValidateSignersCount rejects requests that would add a signature to a
// document certified with no changes allowed.
func (v *Validator) ValidateSignersCount(ctx context.Context, req SignersRequest) error {
	var file *model.File
	if req.FileID != 0 {
		f, err := v.files.GetFile(ctx, req.FileID)
		switch {
		case err == nil:
			file = f
		case errors.Is(err, store.ErrNotFound):
			// New documents inherit the configured default.
		default:
			return fmt.Errorf("loading file %d: %w", req.FileID, err)
		}
	}

	level := v.EffectiveLevel(file)
	if level != model.DocMdpCertifiedNoChangesAllowed {
		return nil
	}

	verr := &ValidationError{FileID: req.FileID, Level: level}
	if file != nil {
		verr.FileName = file.Name
		if file.SignedHash != "" {
			verr.Reason = "the document is certified and no further signatures are allowed"
			return verr
		}
	}
	if len(req.Signers) > 1 {
		verr.Reason = fmt.Sprintf("certification level %q allows a single signer, got %d", level.Label(), len(req.Signers))
		return verr
	}
	return nil
}

// ValidatePdfRestrictions inspects the stored PDF of a signed file and
// fails when its certification forbids more signatures.
func (v *Validator) ValidatePdfRestrictions(ctx context.Context, file *model.File) error {
	if file.SignedHash == "" {
		return nil
	}
	content, err := v.content.Get(ctx, file.NodeID)
	if err != nil {
		return fmt.Errorf("loading content of file %d: %w", file.ID, err)
	}
	cert, err := Inspect(content)
	if err != nil {
		return fmt.Errorf("inspecting file %d: %w", file.ID, err)
	}
	if cert.AllowsAdditionalSignatures() {
		return nil
	}
	v.logger.Debug("DocMDP restriction hit", "file_id", file.ID, "permission", cert.Permission)
	return &ValidationError{
		FileID:   file.ID,
		FileName: file.Name,
		Level:    model.DocMdpCertifiedNoChangesAllowed,
		Reason:   "the document certification does not allow additional signatures",
	}
}
