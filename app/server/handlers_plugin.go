package server

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"

	log "github.com/go-pkgz/lgr"
	"github.com/google/uuid"

	"github.com/personal-tiny-cloud/tcloud/app/events"
	"github.com/personal-tiny-cloud/tcloud/app/plugins"
	"github.com/personal-tiny-cloud/tcloud/lib/plugin"
)

// handlePluginCall is POST /api/p/{plugin}: the raw JSON body goes to the
// plugin, its response comes back verbatim. Unknown and hidden plugins are
// indistinguishable, both answer with the mux's own 404.
func (s *Server) handlePluginCall(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("plugin")
	user := pluginUser(r)

	body, err := s.readPayload(w, r)
	if err != nil {
		sendError(w, r, err)
		return
	}

	resp, err := s.Plugins.Dispatch(r.Context(), name, user, body)
	if err != nil {
		if errors.Is(err, plugins.ErrNotFound) {
			http.NotFound(w, r)
			return
		}
		s.publish(events.ActionPluginError, userName(user), name)
		sendError(w, r, &pluginError{err: err})
		return
	}
	relayResponse(w, resp)
}

// handlePluginUpload is POST /api/up/{plugin}. The multipart body carries an
// optional info part and one file part; the file is streamed to a temporary
// file inside the plugin's data path, handed over, and removed once the
// plugin returns (a plugin that wants to keep it renames it away).
func (s *Server) handlePluginUpload(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("plugin")
	user := pluginUser(r)

	dataPath, err := s.Plugins.DataPath(name, user)
	if err != nil {
		http.NotFound(w, r) // DataPath only fails on unknown or hidden plugins
		return
	}

	// bound the whole stream: file part, info part and multipart framing
	r.Body = http.MaxBytesReader(w, r.Body, s.fileUploadSize()+s.payloadSize()+64*1024)
	mr, err := r.MultipartReader()
	if err != nil {
		sendError(w, r, &requestError{msg: "multipart form required"})
		return
	}

	var info []byte
	var tmpPath, fileName string
	var size int64
	defer func() {
		if tmpPath != "" {
			_ = os.Remove(tmpPath) // gone already if the plugin claimed it
		}
	}()

	for {
		part, err := mr.NextPart()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			var maxErr *http.MaxBytesError
			if errors.As(err, &maxErr) {
				sendError(w, r, errTooLarge)
				return
			}
			sendError(w, r, &requestError{msg: "broken multipart stream"})
			return
		}

		switch part.FormName() {
		case "info":
			data, err := io.ReadAll(io.LimitReader(part, s.payloadSize()+1))
			if err != nil {
				sendError(w, r, &requestError{msg: "broken multipart stream"})
				return
			}
			if int64(len(data)) > s.payloadSize() {
				sendError(w, r, errTooLarge)
				return
			}
			info = data
		case "file":
			if tmpPath != "" {
				sendError(w, r, &requestError{msg: "more than one file part"})
				return
			}
			fileName = part.FileName()
			tmpPath = filepath.Join(dataPath, "upload-"+uuid.NewString()+".tmp")
			size, err = saveUpload(tmpPath, part, s.fileUploadSize())
			if err != nil {
				sendError(w, r, err)
				return
			}
		default:
			sendError(w, r, &requestError{msg: fmt.Sprintf("unexpected part %q", part.FormName())})
			return
		}
	}
	if tmpPath == "" {
		sendError(w, r, &requestError{msg: "file part missing"})
		return
	}

	resp, err := s.Plugins.DispatchFile(r.Context(), name, user, plugin.FileRequest{
		Path: tmpPath,
		Name: fileName,
		Size: size,
		Info: info,
	})
	if err != nil {
		if errors.Is(err, plugins.ErrNotFound) {
			http.NotFound(w, r)
			return
		}
		s.publish(events.ActionPluginError, userName(user), name)
		sendError(w, r, &pluginError{err: err})
		return
	}
	relayResponse(w, resp)
}

// readPayload reads a JSON call body within the payload size limit.
func (s *Server) readPayload(w http.ResponseWriter, r *http.Request) ([]byte, error) {
	r.Body = http.MaxBytesReader(w, r.Body, s.payloadSize())
	body, err := io.ReadAll(r.Body)
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			return nil, errTooLarge
		}
		return nil, &requestError{msg: "failed to read request body"}
	}
	return body, nil
}

// saveUpload streams part to path, enforcing the upload size limit.
func saveUpload(path string, part io.Reader, limit int64) (int64, error) {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o600) //nolint:gosec // path is server-built under the plugin's data dir
	if err != nil {
		return 0, fmt.Errorf("failed to create upload file: %w", err)
	}
	n, err := io.Copy(f, io.LimitReader(part, limit+1))
	if cerr := f.Close(); cerr != nil && err == nil {
		err = cerr
	}
	if err != nil {
		return 0, fmt.Errorf("failed to store upload: %w", err)
	}
	if n > limit {
		return 0, errTooLarge
	}
	return n, nil
}

// relayResponse writes the plugin's response unchanged.
func relayResponse(w http.ResponseWriter, resp plugin.Response) {
	if resp.ContentType != "" {
		w.Header().Set("Content-Type", resp.ContentType)
	}
	status := resp.Status
	if status == 0 {
		status = http.StatusOK
	}
	w.WriteHeader(status)
	if _, err := w.Write(resp.Body); err != nil {
		log.Printf("[WARN] failed to write plugin response: %v", err)
	}
}

// pluginUser converts the validated account to the plugin-facing identity,
// nil for anonymous callers.
func pluginUser(r *http.Request) *plugin.User {
	u := currentUser(r)
	if u == nil {
		return nil
	}
	return &plugin.User{Name: u.Username, Admin: u.IsAdmin}
}

func userName(u *plugin.User) string {
	if u == nil {
		return ""
	}
	return u.Name
}
