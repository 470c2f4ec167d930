package httpapi

import (
	"errors"
	"net/http"
	"path"

	"pkt.systems/cloudstorage/internal/resources"
)

// handleDownload redirects to the stored file of an uploaded resource, or to
// the URL of a linked one.
func (h *Handler) handleDownload(w http.ResponseWriter, r *http.Request) error {
	if h.model == nil || h.transfer == nil {
		return httpError{Status: http.StatusNotImplemented, Type: "Bad Request", Message: "downloads are disabled"}
	}
	ctx := r.Context()
	rid := r.PathValue("rid")
	res, err := h.model.Resource(ctx, rid)
	if err != nil {
		if errors.Is(err, resources.ErrNotFound) {
			return httpError{Status: http.StatusNotFound, Type: "Not Found Error", Message: "Resource not found"}
		}
		return err
	}
	if !res.IsUpload() {
		if res.URL == "" {
			return noDownload()
		}
		http.Redirect(w, r, res.URL, http.StatusFound)
		return nil
	}
	filename := r.PathValue("filename")
	if filename == "" {
		filename = path.Base(res.URL)
	}
	target, ok, err := h.transfer.URL(ctx, res.ID, filename, r.Header.Get("Content-Type"))
	if err != nil {
		return err
	}
	if !ok {
		return noDownload()
	}
	http.Redirect(w, r, target, http.StatusFound)
	return nil
}

func noDownload() error {
	return httpError{Status: http.StatusNotFound, Type: "Not Found Error", Message: "No download is available"}
}
