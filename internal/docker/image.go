package docker

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"time"

	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/pkg/jsonmessage"
	"github.com/docker/go-units"

	"github.com/argon-foss/krypton/internal/logger"
)

// PullImage pulls an image and blocks until the pull finishes. The progress
// stream is drained here so callers only ever see a completed (or failed)
// pull, never a partial layer set.
func (e *Engine) PullImage(ctx context.Context, ref string) error {
	started := time.Now()
	rc, err := e.cli.ImagePull(ctx, ref, image.PullOptions{Platform: e.platformRef})
	if err != nil {
		return ErrPullFailed(ref, err)
	}
	defer rc.Close()

	if err := drainPull(rc, ref); err != nil {
		return ErrPullFailed(ref, err)
	}
	logger.Info().
		Str("image", ref).
		Str("took", units.HumanDuration(time.Since(started))).
		Msg("Image pulled")
	return nil
}

// drainPull consumes the engine's pull progress stream. An error message in
// the stream fails the pull even though the HTTP call succeeded.
func drainPull(rc io.Reader, ref string) error {
	dec := json.NewDecoder(rc)
	for {
		var msg jsonmessage.JSONMessage
		if err := dec.Decode(&msg); err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}
		if msg.Error != nil {
			return msg.Error
		}
		if msg.Progress != nil && msg.Progress.Total > 0 && msg.Progress.Current >= msg.Progress.Total {
			logger.Debug().
				Str("image", ref).
				Str("layer", msg.ID).
				Str("status", msg.Status).
				Str("size", units.HumanSize(float64(msg.Progress.Total))).
				Msg("Pull progress")
		}
	}
}
