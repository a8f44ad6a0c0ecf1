// Package logsync replays a device's on-board history files from a stored
// cursor.
package logsync

import (
	"context"
	"fmt"
	"sort"

	"github.com/rs/zerolog"

	"github.com/timzifer/fleetcollector/runtime/device"
)

// Source is the part of a device handle used to read history files.
type Source interface {
	LogFiles(ctx context.Context) ([]device.LogFile, error)
	ReadLogFile(ctx context.Context, id uint32, offset, size uint32) ([]byte, error)
	DecodeLog(data []byte) ([]device.LogSample, error)
}

// Cursor marks how far a device's history has been synchronised.
type Cursor struct {
	LastFileID     uint32
	LastFileOffset uint32
}

// Phases reported through Progress.
const (
	PhaseListing = "listing"
	PhaseReading = "reading"
	PhaseDone    = "done"
)

// Progress receives coarse progress updates. progress is in [0,1].
type Progress func(phase string, progress float64, message string)

// FileRange is one file to read, starting at Offset.
type FileRange struct {
	File   device.LogFile
	Offset uint32
}

// Result is the outcome of a sync session.
type Result struct {
	Samples      []device.LogSample
	Cursor       Cursor
	FilesRead    int
	FilesSkipped int
}

// FilesToSync selects the files newer than the cursor in ascending id order.
// Without a cursor every file is read from the start. The cursor's own file
// is resumed at the stored offset while it has grown past it.
func FilesToSync(files []device.LogFile, cursor *Cursor) []FileRange {
	sorted := append([]device.LogFile(nil), files...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].ID < sorted[j].ID })

	out := make([]FileRange, 0, len(sorted))
	for _, f := range sorted {
		switch {
		case cursor == nil || cursor.LastFileID == 0:
			out = append(out, FileRange{File: f})
		case f.ID > cursor.LastFileID:
			out = append(out, FileRange{File: f})
		case f.ID == cursor.LastFileID && cursor.LastFileOffset < f.Size:
			out = append(out, FileRange{File: f, Offset: cursor.LastFileOffset})
		}
	}
	return out
}

// Sync lists the device's history files, reads everything past the cursor
// and decodes it. Files that cannot be read or decoded are skipped. The
// returned cursor points at the end of the last decoded file, or equals the
// input cursor when nothing was decoded.
func Sync(ctx context.Context, src Source, cursor *Cursor, progress Progress, logger zerolog.Logger) (Result, error) {
	if progress == nil {
		progress = func(string, float64, string) {}
	}
	var res Result
	if cursor != nil {
		res.Cursor = *cursor
	}

	progress(PhaseListing, 0, "listing log files")
	files, err := src.LogFiles(ctx)
	if err != nil {
		return res, fmt.Errorf("list log files: %w", err)
	}
	ranges := FilesToSync(files, cursor)
	logger.Debug().Int("files", len(files)).Int("to_sync", len(ranges)).Msg("log files listed")

	for i, r := range ranges {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		progress(PhaseReading, float64(i)/float64(len(ranges)), fmt.Sprintf("reading file %d", r.File.ID))

		size := r.File.Size - r.Offset
		data, err := src.ReadLogFile(ctx, r.File.ID, r.Offset, size)
		if err != nil {
			if ctx.Err() != nil {
				return res, ctx.Err()
			}
			logger.Warn().Err(err).Uint32("file_id", r.File.ID).Msg("skipping unreadable log file")
			res.FilesSkipped++
			continue
		}
		samples, err := src.DecodeLog(data)
		if err != nil {
			logger.Warn().Err(err).Uint32("file_id", r.File.ID).Msg("skipping undecodable log file")
			res.FilesSkipped++
			continue
		}
		res.Samples = append(res.Samples, samples...)
		res.FilesRead++
		res.Cursor = Cursor{LastFileID: r.File.ID, LastFileOffset: r.File.Size}
	}
	progress(PhaseDone, 1, fmt.Sprintf("%d samples from %d files", len(res.Samples), res.FilesRead))
	return res, nil
}
