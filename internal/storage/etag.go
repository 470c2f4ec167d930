package storage

import (
	"crypto/md5"
	"encoding/hex"
	"strconv"
	"strings"
)

// MultipartETag returns the S3 style fingerprint of an object assembled from
// parts with the supplied raw MD5 digests: md5(concat(digests)) + "-" + count.
func MultipartETag(digests [][]byte) string {
	h := md5.New()
	for _, d := range digests {
		h.Write(d)
	}
	return hex.EncodeToString(h.Sum(nil)) + "-" + strconv.Itoa(len(digests))
}

// NormalizeETag strips the quotes providers wrap etags in and lowercases
// hex digests.
func NormalizeETag(etag string) string {
	etag = strings.TrimSpace(etag)
	etag = strings.TrimPrefix(etag, "W/")
	etag = strings.Trim(etag, `"`)
	return strings.ToLower(etag)
}
