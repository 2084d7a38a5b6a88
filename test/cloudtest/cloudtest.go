// Package cloudtest holds helpers for integration tests that run the s3 and
// minio adapters against a local moto server.
//
// Tests using it carry the cloudintegration build tag:
//
//	//go:build cloudintegration
//
//	func TestUpload(t *testing.T) {
//	    cloudtest.SkipIfUnavailable(t)
//	    bucket := cloudtest.CreateBucket(t, ctx)
//	    creds := cloudtest.MinIOCredentials(bucket)
//	}
//
// MOTO_ENDPOINT and MOTO_REGION override the defaults.
package cloudtest

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"regexp"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/3leaps/gonube/pkg/provider"
)

// Moto accepts any static key pair.
const (
	AccessKey = "testing"
	SecretKey = "testing"
)

var (
	// Endpoint defaults to port 5555 to stay clear of macOS AirPlay on 5000.
	Endpoint = envOr("MOTO_ENDPOINT", "http://localhost:5555")
	Region   = envOr("MOTO_REGION", provider.DefaultRegion)

	adminOnce sync.Once
	admin     *s3.Client
	adminErr  error

	invalidBucketChars = regexp.MustCompile(`[^a-z0-9-]+`)
)

func envOr(key, fallback string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return fallback
}

// Available reports whether moto answers on Endpoint.
func Available() bool {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, Endpoint+"/moto-api/", nil)
	if err != nil {
		return false
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return false
	}
	_ = resp.Body.Close()
	return resp.StatusCode == http.StatusOK
}

// SkipIfUnavailable skips t when moto is not running.
func SkipIfUnavailable(t *testing.T) {
	t.Helper()
	if !Available() {
		t.Skipf("moto not reachable at %s", Endpoint)
	}
}

// adminClient is a raw SDK client used for fixtures, outside the adapter
// under test.
func adminClient(t *testing.T) *s3.Client {
	t.Helper()
	adminOnce.Do(func() {
		cfg, err := config.LoadDefaultConfig(context.Background(),
			config.WithRegion(Region),
			config.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(AccessKey, SecretKey, "")),
		)
		if err != nil {
			adminErr = err
			return
		}
		admin = s3.NewFromConfig(cfg, func(o *s3.Options) {
			o.BaseEndpoint = aws.String(Endpoint)
			o.UsePathStyle = true
		})
	})
	if adminErr != nil {
		t.Fatalf("moto client: %v", adminErr)
	}
	return admin
}

// CreateBucket creates a bucket named after the test and empties and deletes
// it on cleanup.
func CreateBucket(t *testing.T, ctx context.Context) string {
	t.Helper()
	name := invalidBucketChars.ReplaceAllString(strings.ToLower(t.Name()), "-")
	if len(name) > 48 {
		name = name[:48]
	}
	name = fmt.Sprintf("%s-%05d", strings.Trim(name, "-"), time.Now().UnixNano()%100000)

	c := adminClient(t)
	if _, err := c.CreateBucket(ctx, &s3.CreateBucketInput{Bucket: aws.String(name)}); err != nil {
		t.Fatalf("create bucket %s: %v", name, err)
	}
	t.Cleanup(func() { removeBucket(t, c, name) })
	return name
}

func removeBucket(t *testing.T, c *s3.Client, bucket string) {
	ctx := context.Background()
	pages := s3.NewListObjectsV2Paginator(c, &s3.ListObjectsV2Input{Bucket: aws.String(bucket)})
	for pages.HasMorePages() {
		page, err := pages.NextPage(ctx)
		if err != nil {
			t.Logf("list %s during cleanup: %v", bucket, err)
			return
		}
		for _, obj := range page.Contents {
			if _, err := c.DeleteObject(ctx, &s3.DeleteObjectInput{Bucket: aws.String(bucket), Key: obj.Key}); err != nil {
				t.Logf("delete %s/%s during cleanup: %v", bucket, aws.ToString(obj.Key), err)
			}
		}
	}
	if _, err := c.DeleteBucket(ctx, &s3.DeleteBucketInput{Bucket: aws.String(bucket)}); err != nil {
		t.Logf("delete bucket %s during cleanup: %v", bucket, err)
	}
}

// MinIOCredentials returns minio credentials for bucket on the moto endpoint.
func MinIOCredentials(bucket string) provider.Credentials {
	return provider.Credentials{
		"endpoint":   Endpoint,
		"access_key": AccessKey,
		"secret_key": SecretKey,
		"region":     Region,
		"bucket":     bucket,
	}
}

// MinIORegistration returns a registration for a moto-backed minio provider.
func MinIORegistration(name, bucket, prefix string) provider.Registration {
	return provider.Registration{
		Name:          name,
		Type:          provider.TypeMinIO.String(),
		Credentials:   MinIOCredentials(bucket),
		Configuration: map[string]any{"prefix": prefix},
	}
}
