package messages

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/google/uuid"

	"github.com/ent0n29/umportal/internal/dispatch"
	"github.com/ent0n29/umportal/internal/protocol"
	"github.com/ent0n29/umportal/internal/render"
)

var unsafeFileChars = regexp.MustCompile(`[^A-Za-z0-9._-]+`)

// uploadFiles stores the files of a binary frame as attachments of the
// message named by the frame's partition id.
func (m *Module) uploadFiles(ctx context.Context, hc *dispatch.Context) error {
	if hc.Upload == nil {
		return dispatch.Invalid("files", "Nothing was uploaded.")
	}
	id := hc.Upload.Header.PartitionID
	if _, err := m.tracker.Owned(ctx, hc.Queries(), hc.UserID(), id); err != nil {
		return lifecycleError(err)
	}
	if err := os.MkdirAll(m.opts.UploadDir, 0o755); err != nil {
		return fmt.Errorf("create upload dir: %w", err)
	}

	names := make([]string, 0, len(hc.Upload.Header.Files))
	for i, data := range hc.Upload.Parts() {
		original := hc.Upload.Header.Files[i].Name
		name := StoredName(original)
		if name == "" {
			m.logger.Warn("upload skipped", "user_id", hc.UserID(), "message_id", id, "file", original)
			continue
		}
		if err := os.WriteFile(filepath.Join(m.opts.UploadDir, name), data, 0o644); err != nil {
			return fmt.Errorf("write upload: %w", err)
		}
		names = append(names, name)
	}
	if len(names) > 0 {
		if err := hc.Queries().AddAttachments(ctx, id, names); err != nil {
			return err
		}
		m.logger.Info("files uploaded", "user_id", hc.UserID(), "message_id", id, "count", len(names))
	}
	hc.Push(protocol.Push{
		Task:      protocol.PushFilesUploaded,
		Content:   render.Thumbnails(id, names),
		MessageID: id,
	})
	return nil
}

// StoredName turns a client file name into a unique, path-free name safe to
// serve back. Names without an extension are refused with "".
func StoredName(original string) string {
	base := filepath.Base(strings.ReplaceAll(original, `\`, "/"))
	base = unsafeFileChars.ReplaceAllString(base, "_")
	base = strings.Trim(base, "._")
	dot := strings.LastIndexByte(base, '.')
	if dot <= 0 || dot == len(base)-1 {
		return ""
	}
	return uuid.NewString()[:8] + "_" + base
}
