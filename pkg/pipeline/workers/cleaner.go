package workers

import (
	"context"
	"fmt"
	"io"
	"math/rand"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/rs/zerolog"
)

// ErrEncoderUnavailable signals that the external encoder binary is
// missing; the cleaning stage downgrades this to a skip.
var ErrEncoderUnavailable = fmt.Errorf("encoder unavailable")

// Cleaner re-encodes the original into a sanitized "clean" video: strips
// all metadata, re-encodes with a neutral preset and adds slight temporal
// noise to break synthetic timing patterns.
type Cleaner struct {
	encoderPath string
	log         zerolog.Logger
}

// NewCleaner binds the cleaner to the configured encoder binary.
func NewCleaner(encoderPath string, log zerolog.Logger) *Cleaner {
	return &Cleaner{
		encoderPath: encoderPath,
		log:         log.With().Str("worker", "cleaning").Logger(),
	}
}

// Available reports whether the encoder binary responds.
func (c *Cleaner) Available(ctx context.Context) bool {
	err := exec.CommandContext(ctx, c.encoderPath, "-version").Run()
	return err == nil
}

// Clean produces the sanitized video at outputPath. Intermediate files
// are removed on every exit path. Returns ErrEncoderUnavailable when the
// binary is missing.
func (c *Cleaner) Clean(ctx context.Context, inputPath, outputPath string) error {
	if !c.Available(ctx) {
		return ErrEncoderUnavailable
	}

	workDir := filepath.Dir(outputPath)
	if err := os.MkdirAll(workDir, 0755); err != nil {
		return fmt.Errorf("failed to create output directory: %w", err)
	}

	noMeta := filepath.Join(workDir, ".clean-nometa.mp4")
	reencoded := filepath.Join(workDir, ".clean-reencoded.mp4")
	defer os.Remove(noMeta)
	defer os.Remove(reencoded)

	metaRemoved := true
	if err := c.stripMetadata(ctx, inputPath, noMeta); err != nil {
		c.log.Warn().Err(err).Msg("metadata strip failed, re-encoding original directly")
		metaRemoved = false
	}

	source := inputPath
	if metaRemoved {
		source = noMeta
	}

	reencodeOK := true
	if err := c.reencodeNeutral(ctx, source, reencoded); err != nil {
		c.log.Warn().Err(err).Msg("neutral re-encode failed")
		reencodeOK = false
		if !metaRemoved {
			return fmt.Errorf("cleaning failed: %w", err)
		}
		reencoded = noMeta
	}

	jitterSource := reencoded
	if !reencodeOK && !metaRemoved {
		jitterSource = source
	}
	if err := c.addTemporalJitter(ctx, jitterSource, outputPath); err != nil {
		c.log.Warn().Err(err).Msg("temporal jitter failed, keeping re-encoded output")
		if err := copyFile(jitterSource, outputPath); err != nil {
			return fmt.Errorf("cleaning failed: %w", err)
		}
	}

	return nil
}

// stripMetadata removes every container tag without touching the streams.
func (c *Cleaner) stripMetadata(ctx context.Context, input, output string) error {
	return c.run(ctx,
		"-i", input,
		"-map_metadata", "-1",
		"-c:v", "copy",
		"-c:a", "copy",
		"-y",
		output,
	)
}

// reencodeNeutral re-encodes with a slightly randomized CRF so the
// quantization pattern resembles a real capture chain.
func (c *Cleaner) reencodeNeutral(ctx context.Context, input, output string) error {
	crf := 17 + rand.Intn(5) - 2 // 15..19
	return c.run(ctx,
		"-i", input,
		"-c:v", "libx264",
		"-preset", "slow",
		"-crf", strconv.Itoa(crf),
		"-pix_fmt", "yuv420p",
		"-movflags", "+faststart",
		"-c:a", "aac",
		"-b:a", "128k",
		"-y",
		output,
	)
}

// addTemporalJitter injects minimal temporal noise to break the perfectly
// uniform frame timing of generated content.
func (c *Cleaner) addTemporalJitter(ctx context.Context, input, output string) error {
	return c.run(ctx,
		"-i", input,
		"-vf", "noise=alls=2:allf=t+u",
		"-c:v", "libx264",
		"-preset", "slow",
		"-crf", "18",
		"-c:a", "copy",
		"-y",
		output,
	)
}

func (c *Cleaner) run(ctx context.Context, args ...string) error {
	cmd := exec.CommandContext(ctx, c.encoderPath, args...)
	var stderr strings.Builder
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		msg := strings.TrimSpace(stderr.String())
		if len(msg) > 400 {
			msg = msg[len(msg)-400:]
		}
		return fmt.Errorf("encoder failed: %w: %s", err, msg)
	}
	return nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	defer out.Close()

	if _, err := io.Copy(out, in); err != nil {
		return err
	}
	return out.Sync()
}
