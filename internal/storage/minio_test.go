package storage

import (
	"errors"
	"net/http"
	"testing"

	minio "github.com/minio/minio-go/v7"
)

func TestStatusFromMinio(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"missing key", minio.ErrorResponse{Code: "NoSuchKey"}, http.StatusNotFound},
		{"missing bucket", minio.ErrorResponse{Code: "NoSuchBucket"}, http.StatusNotFound},
		{"denied", minio.ErrorResponse{Code: "AccessDenied"}, http.StatusForbidden},
		{"bad argument", minio.ErrorResponse{Code: "InvalidArgument"}, http.StatusBadRequest},
		{"explicit status", minio.ErrorResponse{Code: "SlowDown", StatusCode: http.StatusServiceUnavailable}, http.StatusServiceUnavailable},
		{"not a minio error", errors.New("connection reset"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := statusFromMinio(tt.err); got != tt.want {
				t.Fatalf("statusFromMinio() = %d, want %d", got, tt.want)
			}
		})
	}
}

func TestCollectPutOptions(t *testing.T) {
	o := collectPutOptions([]PutOption{
		WithContentType("image/jpeg"),
		WithMetadata(map[string]string{"capture-id": "a", "source": "front"}),
		nil,
		WithMetadata(map[string]string{"capture-id": "b"}),
	})
	if o.ContentType != "image/jpeg" {
		t.Fatalf("content type = %q", o.ContentType)
	}
	if o.Metadata["capture-id"] != "b" || o.Metadata["source"] != "front" {
		t.Fatalf("unexpected metadata: %v", o.Metadata)
	}
}

func TestMinIOConfigDefaults(t *testing.T) {
	c := MinIOConfig{MaxRetries: -2}.withDefaults()
	if c.MaxUploads != 4 || c.ConnectTimeout == 0 || c.MaxRetries != 0 {
		t.Fatalf("unexpected defaults: %+v", c)
	}
	if (MinIOConfig{Endpoint: "localhost:9000"}).Enabled() {
		t.Fatal("config without bucket should be disabled")
	}
}
