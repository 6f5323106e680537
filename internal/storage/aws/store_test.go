package aws

import (
	"errors"
	"fmt"
	"testing"

	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	smithy "github.com/aws/smithy-go"
)

func TestIsNotFound(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"no such key", &smithy.GenericAPIError{Code: "NoSuchKey"}, true},
		{"wrapped not found", fmt.Errorf("head: %w", &smithy.GenericAPIError{Code: "NotFound"}), true},
		{"access denied", &smithy.GenericAPIError{Code: "AccessDenied"}, false},
		{"plain", errors.New("boom"), false},
	}
	for _, tc := range cases {
		if got := isNotFound(tc.err); got != tc.want {
			t.Fatalf("%s: got %v want %v", tc.name, got, tc.want)
		}
	}
}

func TestObjectKeyPrefix(t *testing.T) {
	store := &Store{cfg: Config{Prefix: "grid"}}
	got, err := store.objectKey("data/abc")
	if err != nil || got != "grid/data/abc" {
		t.Fatalf("object key: %q %v", got, err)
	}
	if _, err := store.objectKey("a/../b"); err == nil {
		t.Fatal("expected traversal rejection")
	}
}

func TestApplySSE(t *testing.T) {
	input := &s3.PutObjectInput{}
	applySSEToPut(input, "kms", "key-1")
	if input.ServerSideEncryption != types.ServerSideEncryptionAwsKms || input.SSEKMSKeyId == nil || *input.SSEKMSKeyId != "key-1" {
		t.Fatalf("unexpected sse %+v", input)
	}
}

func TestNewRequiresBucketAndRegion(t *testing.T) {
	if _, err := New(Config{Region: "eu-north-1"}); err == nil {
		t.Fatal("expected bucket error")
	}
	if _, err := New(Config{Bucket: "b"}); err == nil {
		t.Fatal("expected region error")
	}
}
