package httpapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"strconv"
	"strings"

	"pkt.systems/cloudstorage/internal/actions"
)

const uploadField = "upload"

// handleAction runs /api/action/{name}. Parameters come from the query
// string overlaid by a JSON, urlencoded or multipart body; the multipart
// "upload" field carries the part bytes.
func (h *Handler) handleAction(w http.ResponseWriter, r *http.Request) error {
	if r.Method != http.MethodGet && r.Method != http.MethodPost {
		w.Header().Set("Allow", "GET, POST")
		return httpError{Status: http.StatusMethodNotAllowed, Type: "Bad Request", Message: "supported methods: GET, POST"}
	}
	if h.actions == nil {
		return httpError{Status: http.StatusNotImplemented, Type: "Bad Request", Message: "actions are disabled"}
	}
	req := actions.Request{
		Action: r.PathValue("name"),
		Params: make(map[string]string),
		Token:  apiToken(r),
	}
	for k, v := range r.URL.Query() {
		if len(v) > 0 {
			req.Params[k] = v[0]
		}
	}
	if r.Method == http.MethodPost {
		spool, err := h.readBody(r, &req)
		if spool != nil {
			defer spool.Close()
		}
		if err != nil {
			return err
		}
	}
	result, err := h.actions.Do(r.Context(), req)
	if err != nil {
		return err
	}
	h.writeJSON(w, http.StatusOK, successEnvelope{Help: helpURL(r), Success: true, Result: result})
	return nil
}

func (h *Handler) readBody(r *http.Request, req *actions.Request) (*partSpool, error) {
	mediaType, _, err := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if err != nil {
		mediaType = "application/json"
	}
	switch mediaType {
	case "multipart/form-data":
		return h.readMultipart(r, req)
	case "application/x-www-form-urlencoded":
		r.Body = io.NopCloser(io.LimitReader(r.Body, DefaultMaxParamBytes))
		if err := r.ParseForm(); err != nil {
			return nil, badRequest("malformed form body: %v", err)
		}
		for k, v := range r.PostForm {
			if len(v) > 0 {
				req.Params[k] = v[0]
			}
		}
		return nil, nil
	default:
		return nil, decodeJSONParams(io.LimitReader(r.Body, DefaultMaxParamBytes), req.Params)
	}
}

func (h *Handler) readMultipart(r *http.Request, req *actions.Request) (*partSpool, error) {
	reader, err := r.MultipartReader()
	if err != nil {
		return nil, badRequest("malformed multipart body: %v", err)
	}
	var spool *partSpool
	for {
		part, err := reader.NextPart()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return spool, badRequest("malformed multipart body: %v", err)
		}
		name := part.FormName()
		if name == uploadField {
			if spool != nil {
				_ = spool.Close()
			}
			spool = newPartSpool(h.spoolThreshold)
			n, err := io.Copy(spool, io.LimitReader(part, h.maxPartSize+1))
			_ = part.Close()
			if err != nil {
				return spool, badRequest("reading upload: %v", err)
			}
			if n > h.maxPartSize {
				return spool, httpError{Status: http.StatusRequestEntityTooLarge, Type: "Validation Error", Message: fmt.Sprintf("upload exceeds %d bytes", h.maxPartSize)}
			}
			continue
		}
		value, err := io.ReadAll(io.LimitReader(part, DefaultMaxParamBytes))
		_ = part.Close()
		if err != nil {
			return spool, badRequest("reading field %s: %v", name, err)
		}
		if name != "" {
			req.Params[name] = string(value)
		}
	}
	if spool != nil {
		body, err := spool.Reader()
		if err != nil {
			return spool, err
		}
		req.Part = &actions.Part{Body: body, Size: spool.Size()}
	}
	return spool, nil
}

// decodeJSONParams flattens a JSON object into string parameters. Numbers
// keep their literal form; nested values are re-encoded.
func decodeJSONParams(body io.Reader, params map[string]string) error {
	dec := json.NewDecoder(body)
	dec.UseNumber()
	var raw map[string]any
	if err := dec.Decode(&raw); err != nil {
		if errors.Is(err, io.EOF) {
			return nil
		}
		return badRequest("malformed JSON body: %v", err)
	}
	for k, v := range raw {
		switch val := v.(type) {
		case nil:
		case string:
			params[k] = val
		case json.Number:
			params[k] = val.String()
		case bool:
			params[k] = strconv.FormatBool(val)
		default:
			encoded, err := json.Marshal(val)
			if err != nil {
				return badRequest("parameter %s: %v", k, err)
			}
			params[k] = string(encoded)
		}
	}
	return nil
}

func badRequest(format string, args ...any) error {
	return httpError{Status: http.StatusBadRequest, Type: "Bad Request", Message: strings.TrimSpace(fmt.Sprintf(format, args...))}
}
