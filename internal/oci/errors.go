package oci

import (
	"encoding/json"
	"errors"
	"net/http"
)

// Error codes defined by the OCI distribution specification.
const (
	ErrCodeBlobUnknown         = "BLOB_UNKNOWN"
	ErrCodeBlobUploadInvalid   = "BLOB_UPLOAD_INVALID"
	ErrCodeBlobUploadUnknown   = "BLOB_UPLOAD_UNKNOWN"
	ErrCodeDigestInvalid       = "DIGEST_INVALID"
	ErrCodeManifestBlobUnknown = "MANIFEST_BLOB_UNKNOWN"
	ErrCodeManifestInvalid     = "MANIFEST_INVALID"
	ErrCodeManifestUnknown     = "MANIFEST_UNKNOWN"
	ErrCodeNameInvalid         = "NAME_INVALID"
	ErrCodeNameUnknown         = "NAME_UNKNOWN"
	ErrCodeSizeInvalid         = "SIZE_INVALID"
	ErrCodeTagInvalid          = "TAG_INVALID"
	ErrCodeUnauthorized        = "UNAUTHORIZED"
	ErrCodeDenied              = "DENIED"
	ErrCodeUnsupported         = "UNSUPPORTED"
)

var (
	// ErrMissingLayer is returned when a manifest references a blob that
	// has not been uploaded.
	ErrMissingLayer = errors.New("manifest references unknown blob")

	// ErrInvalidManifest is returned for a manifest that cannot be parsed
	// or is of an unsupported schema.
	ErrInvalidManifest = errors.New("invalid manifest")
)

// errorDescriptor is one entry of an OCI error response.
type errorDescriptor struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Detail  any    `json:"detail,omitempty"`
}

type errorResponse struct {
	Errors []errorDescriptor `json:"errors"`
}

// writeError writes an OCI error body. HEAD responses carry no body.
func writeError(w http.ResponseWriter, r *http.Request, status int, code, message string, detail any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if r.Method == http.MethodHead {
		return
	}
	json.NewEncoder(w).Encode(errorResponse{
		Errors: []errorDescriptor{{Code: code, Message: message, Detail: detail}},
	})
}
