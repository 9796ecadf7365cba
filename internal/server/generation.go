package server

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/veriup/veriup/internal/domain/trust"
	"github.com/veriup/veriup/internal/logger"
	"github.com/veriup/veriup/internal/repository"
	"github.com/veriup/veriup/internal/rollout"
	"github.com/veriup/veriup/internal/translog"
)

// Generation is one immutable published snapshot of the repository. The
// service swaps a pointer to it atomically; readers either see the whole
// previous generation or the whole new one, never a mix.
type Generation struct {
	// Versions is the published version of each role.
	Versions map[trust.Role]int
	// Documents holds the encoded current document per role.
	Documents map[trust.Role][]byte
	// TargetHashes is the set of content hashes reachable in this
	// generation. Blobs outside it are never served.
	TargetHashes map[string]struct{}
	// Targets maps target names to their entries for rollout bookkeeping.
	Targets map[string]trust.TargetEntry
}

// releasePayload is the transparency-log body for an observed publish.
type releasePayload struct {
	// Versions is the version vector of the new generation.
	Versions map[trust.Role]int `json:"versions"`
	// Targets maps changed target names to their content hashes.
	Targets map[string]string `json:"targets"`
}

// loadGeneration reads the currently published generation from the store.
// Before the first publish it returns nil without error.
func loadGeneration(store *repository.Store) (*Generation, error) {
	versions, err := store.CurrentVersions()
	if err != nil {
		return nil, err
	}

	if len(versions) == 0 {
		return nil, nil
	}

	gen := &Generation{
		Versions:     versions,
		Documents:    make(map[trust.Role][]byte, len(versions)),
		TargetHashes: make(map[string]struct{}),
		Targets:      make(map[string]trust.TargetEntry),
	}

	for role := range versions {
		doc, err := store.CurrentDocument(role)
		if err != nil {
			return nil, err
		}

		data, err := doc.Encode()
		if err != nil {
			return nil, err
		}

		gen.Documents[role] = data

		if role != trust.RoleTargets {
			continue
		}

		payload, err := doc.ParseTargets()
		if err != nil {
			return nil, err
		}

		for name, entry := range payload.Targets {
			gen.Targets[name] = entry
			gen.TargetHashes[entry.Hash] = struct{}{}
		}
	}

	return gen, nil
}

// Reload checks the store for a newer published generation and swaps it in.
// A newly observed publish is recorded in the transparency log and gets a
// staged rollout for every introduced or changed target; the log entry is
// written before the swap, so an unserved-yet generation is already audited.
func (s *Service) Reload(ctx context.Context) error {
	next, err := loadGeneration(s.store)
	if err != nil {
		return fmt.Errorf("load generation: %w", err)
	}

	if next == nil {
		return nil
	}

	current := s.current.Load()
	if current != nil && current.Versions[trust.RoleTimestamp] == next.Versions[trust.RoleTimestamp] {
		return nil
	}

	changed := changedTargets(current, next)

	payload := releasePayload{
		Versions: next.Versions,
		Targets:  make(map[string]string, len(changed)),
	}

	for _, name := range changed {
		payload.Targets[name] = next.Targets[name].Hash
	}

	if _, err := s.log.Append(ctx, translog.EntryUpdateRelease, payload); err != nil {
		return fmt.Errorf("log release: %w", err)
	}

	for _, name := range changed {
		if err := s.startRollout(ctx, name); err != nil {
			return err
		}
	}

	s.current.Store(next)
	s.metrics.generationReloads.Inc()
	s.metrics.logSize.Set(float64(s.log.Size()))

	logger.InfoKV(ctx, "Serving new generation",
		"timestamp_version", next.Versions[trust.RoleTimestamp],
		"changed_targets", changed)

	return nil
}

// startRollout creates and activates a staged rollout for a changed target.
func (s *Service) startRollout(ctx context.Context, target string) error {
	record, err := s.rollouts.Create(target, s.stages)
	if err != nil {
		return fmt.Errorf("create rollout for %s: %w", target, err)
	}

	if _, err := s.rollouts.Start(ctx, record.UpdateID); err != nil {
		return fmt.Errorf("start rollout for %s: %w", target, err)
	}

	s.metrics.rolloutTransitions.WithLabelValues(string(rollout.StatusActive)).Inc()

	return nil
}

// changedTargets lists targets that are new or carry a different hash
// compared to the previously served generation.
func changedTargets(current, next *Generation) []string {
	changed := make([]string, 0, len(next.Targets))

	for name, entry := range next.Targets {
		if current != nil {
			if previous, ok := current.Targets[name]; ok && previous.Hash == entry.Hash {
				continue
			}
		}

		changed = append(changed, name)
	}

	return changed
}

// WatchStore polls the repository for new generations until the context is
// canceled. The very first reload failure is returned so startup problems
// surface; later failures are logged and retried on the next tick.
func (s *Service) WatchStore(ctx context.Context, interval time.Duration) error {
	if err := s.Reload(ctx); err != nil {
		return err
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			if errors.Is(ctx.Err(), context.Canceled) {
				return nil
			}

			return ctx.Err()
		case <-ticker.C:
			if err := s.Reload(ctx); err != nil {
				logger.ErrorKV(ctx, "Generation reload failed", "error", err)
			}
		}
	}
}

// currentGeneration returns the served generation, or nil before the first
// publish.
func (s *Service) currentGeneration() *Generation {
	return s.current.Load()
}

// atomicGeneration is a typed alias to keep the Service struct readable.
type atomicGeneration = atomic.Pointer[Generation]
