package chunkvault

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/sirupsen/logrus"
)

// ChangePassphrase re-wraps the root secrets under a KEK derived from newPassphrase
// and a fresh salt, using the KDF parameters of the repository config. The content
// and HMAC keys are unchanged, so no chunk is rewritten. oldPassphrase must unlock
// the current root record.
func (r *Repository) ChangePassphrase(ctx context.Context, oldPassphrase, newPassphrase []byte) error {
	if err := ValidatePassphrase(newPassphrase); err != nil {
		return err
	}

	data, err := r.backend.LoadRoot(ctx)
	if err != nil {
		return err
	}
	rec, err := ParseRootRecord(data)
	if err != nil {
		return &CorruptionError{Message: "root record unreadable", Err: err}
	}

	contentKey, hmacKey, status, err := unlockRootRecord(rec, oldPassphrase)
	switch status {
	case OpenSuccess:
	case OpenWrongPassphrase:
		return &AuthenticationError{Message: "current passphrase rejected", Err: ErrAuthFailed}
	default:
		return err
	}
	defer zero(contentKey[:])
	defer zero(hmacKey[:])

	next := &RootRecord{
		Version:      RootFormatVersion,
		RepositoryID: rec.RepositoryID,
		Settings:     rec.Settings,
	}
	if err := sealRootRecord(next, newPassphrase, r.config.KDF, contentKey, hmacKey); err != nil {
		return err
	}
	out, err := next.Marshal(hmacKey)
	if err != nil {
		return err
	}
	if err := r.backend.ReplaceRoot(ctx, out); err != nil {
		return fmt.Errorf("failed to replace root record: %w", err)
	}

	r.logger.WithFields(logrus.Fields{
		"id":  rec.RepositoryID.String(),
		"kdf": next.KDF.Algorithm.String(),
	}).Info("repository passphrase changed")
	return nil
}

// ScrubFailure is one chunk that failed verification
type ScrubFailure struct {
	Address Address
	Err     error
}

// ScrubReport summarizes a Scrub run
type ScrubReport struct {
	Checked int64
	Failed  []ScrubFailure
}

// OK reports whether every checked chunk verified
func (s ScrubReport) OK() bool {
	return len(s.Failed) == 0
}

// Scrub fetches every stored chunk, authenticates it and recomputes its address.
// Chunks that fail are collected in the report; only a backend listing failure,
// cancellation or a concurrent Close aborts the run.
func (r *Repository) Scrub(ctx context.Context) (ScrubReport, error) {
	st, err := r.current()
	if err != nil {
		return ScrubReport{}, err
	}
	enc := st.encryptor

	var addresses []Address
	err = r.backend.ListAddresses(ctx, func(address Address) error {
		addresses = append(addresses, address)
		return nil
	})
	if err != nil {
		return ScrubReport{}, err
	}

	var report ScrubReport
	for _, address := range addresses {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		report.Checked++

		chunk, err := r.backend.Get(ctx, address)
		if err == nil {
			_, err = enc.Decrypt(chunk)
		}
		if err == nil {
			continue
		}
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) || errors.Is(err, ErrRepositoryClosed) {
			return report, err
		}
		report.Failed = append(report.Failed, ScrubFailure{Address: address, Err: err})
		r.logger.WithFields(logrus.Fields{
			"address": address.String(),
			"error":   err,
		}).Warn("chunk failed verification")
	}

	r.logger.WithFields(logrus.Fields{
		"checked": report.Checked,
		"failed":  len(report.Failed),
	}).Info("scrub complete")
	return report, nil
}

// Reachable walks the trees at roots and returns every address they reference,
// index and leaf chunks alike
func (r *Repository) Reachable(ctx context.Context, roots ...StreamRoot) (map[Address]struct{}, error) {
	st, err := r.current()
	if err != nil {
		return nil, err
	}

	seen := make(map[Address]struct{})
	for _, root := range roots {
		err := st.streams.Walk(ctx, root, func(address Address, _ int) error {
			seen[address] = struct{}{}
			return nil
		})
		if err != nil {
			return nil, err
		}
	}
	return seen, nil
}

// Unreachable returns the stored addresses that no tree in roots references,
// sorted. These are the candidates a garbage collector would remove.
func (r *Repository) Unreachable(ctx context.Context, roots ...StreamRoot) ([]Address, error) {
	live, err := r.Reachable(ctx, roots...)
	if err != nil {
		return nil, err
	}

	var garbage []Address
	err = r.backend.ListAddresses(ctx, func(address Address) error {
		if _, ok := live[address]; !ok {
			garbage = append(garbage, address)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(garbage, func(i, j int) bool {
		return garbage[i].Compare(garbage[j]) < 0
	})
	return garbage, nil
}
