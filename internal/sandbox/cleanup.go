package sandbox

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/rs/zerolog/log"
)

// SweepOrphans removes containers, images, and storage directories left
// behind by sessions of a previous process. It must run before any session
// of this process exists, since it cannot tell the two apart.
func SweepOrphans(ctx context.Context, engine Engine, workRoot string) (int, error) {
	resources, err := engine.ListSessions(ctx)
	if err != nil {
		return 0, fmt.Errorf("listing session resources: %w", err)
	}

	// Containers go first; an image in use by a container cannot be removed.
	sort.SliceStable(resources, func(i, j int) bool {
		return resources[i].Kind == KindContainer && resources[j].Kind != KindContainer
	})

	var cleaned int
	var errs []error
	for _, r := range resources {
		logger := log.With().
			Str("kind", string(r.Kind)).
			Str("id", r.ID).
			Str("session_id", r.SessionID).
			Logger()

		var err error
		switch r.Kind {
		case KindContainer:
			err = engine.Stop(ctx, r.ID)
		case KindImage:
			err = engine.RemoveImage(ctx, r.ID)
		default:
			continue
		}
		if err != nil {
			logger.Error().Err(err).Msg("failed to remove orphaned session resource")
			errs = append(errs, fmt.Errorf("%s %s: %w", r.Kind, r.ID, err))
			continue
		}
		logger.Info().Msg("removed orphaned session resource")
		cleaned++
	}

	n, err := sweepStorage(workRoot)
	cleaned += n
	if err != nil {
		errs = append(errs, err)
	}

	if cleaned > 0 {
		log.Info().Int("count", cleaned).Msg("cleaned up orphaned sessions")
	}
	return cleaned, errors.Join(errs...)
}

func sweepStorage(workRoot string) (int, error) {
	entries, err := os.ReadDir(workRoot)
	if errors.Is(err, os.ErrNotExist) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("reading work root: %w", err)
	}

	var cleaned int
	var errs []error
	for _, e := range entries {
		if !e.IsDir() || !strings.HasPrefix(e.Name(), SessionPrefix) {
			continue
		}
		dir := filepath.Join(workRoot, e.Name())
		if err := os.RemoveAll(dir); err != nil {
			errs = append(errs, fmt.Errorf("removing %s: %w", dir, err))
			continue
		}
		log.Info().Str("dir", dir).Msg("removed orphaned session storage")
		cleaned++
	}
	return cleaned, errors.Join(errs...)
}
