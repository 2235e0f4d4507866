// Package cloudtest points archive integration tests at a local
// S3-compatible server (moto). Callers carry //go:build cloudintegration.
package cloudtest

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"regexp"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// moto accepts any static credentials.
const (
	TestAccessKeyID     = "testing"
	TestSecretAccessKey = "testing"
)

var (
	Endpoint = envOr("MOTO_ENDPOINT", "http://localhost:5555")
	Region   = envOr("MOTO_REGION", "us-east-1")
)

var (
	probeOnce sync.Once
	probeErr  error
)

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

// SkipIfUnavailable skips t when the moto control API does not answer.
// The probe runs once per test binary.
func SkipIfUnavailable(t *testing.T) {
	t.Helper()
	probeOnce.Do(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, Endpoint+"/moto-api/", nil)
		if err != nil {
			probeErr = err
			return
		}
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			probeErr = err
			return
		}
		_ = resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			probeErr = fmt.Errorf("status %d", resp.StatusCode)
		}
	})
	if probeErr != nil {
		t.Skipf("moto not reachable at %s: %v", Endpoint, probeErr)
	}
}

func client() *s3.Client {
	return s3.New(s3.Options{
		Region:       Region,
		BaseEndpoint: aws.String(Endpoint),
		UsePathStyle: true,
		Credentials:  credentials.NewStaticCredentialsProvider(TestAccessKeyID, TestSecretAccessKey, ""),
	})
}

var bucketUnsafe = regexp.MustCompile(`[^a-z0-9-]+`)

// CreateBucket makes a bucket named after the test and empties and removes
// it when the test ends.
func CreateBucket(t *testing.T, ctx context.Context) string {
	t.Helper()
	name := bucketUnsafe.ReplaceAllString(strings.ToLower(t.Name()), "-")
	if len(name) > 48 {
		name = name[:48]
	}
	name = fmt.Sprintf("%s-%05d", name, time.Now().UnixNano()%100000)

	c := client()
	if _, err := c.CreateBucket(ctx, &s3.CreateBucketInput{Bucket: aws.String(name)}); err != nil {
		t.Fatalf("create bucket %s: %v", name, err)
	}
	t.Cleanup(func() {
		bg := context.Background()
		for _, key := range listKeys(bg, c, name, "") {
			_, _ = c.DeleteObject(bg, &s3.DeleteObjectInput{Bucket: aws.String(name), Key: aws.String(key)})
		}
		if _, err := c.DeleteBucket(bg, &s3.DeleteBucketInput{Bucket: aws.String(name)}); err != nil {
			t.Logf("delete bucket %s: %v", name, err)
		}
	})
	return name
}

// ListKeys returns the keys under prefix in listing order.
func ListKeys(t *testing.T, ctx context.Context, bucket, prefix string) []string {
	t.Helper()
	return listKeys(ctx, client(), bucket, prefix)
}

func listKeys(ctx context.Context, c *s3.Client, bucket, prefix string) []string {
	var keys []string
	p := s3.NewListObjectsV2Paginator(c, &s3.ListObjectsV2Input{
		Bucket: aws.String(bucket),
		Prefix: aws.String(prefix),
	})
	for p.HasMorePages() {
		page, err := p.NextPage(ctx)
		if err != nil {
			return keys
		}
		for _, obj := range page.Contents {
			keys = append(keys, aws.ToString(obj.Key))
		}
	}
	return keys
}

// GetObject returns the body of bucket/key.
func GetObject(t *testing.T, ctx context.Context, bucket, key string) []byte {
	t.Helper()
	out, err := client().GetObject(ctx, &s3.GetObjectInput{Bucket: aws.String(bucket), Key: aws.String(key)})
	if err != nil {
		t.Fatalf("get %s/%s: %v", bucket, key, err)
	}
	defer func() { _ = out.Body.Close() }()
	data, err := io.ReadAll(out.Body)
	if err != nil {
		t.Fatalf("read %s/%s: %v", bucket, key, err)
	}
	return data
}

