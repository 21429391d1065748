package manifest

import (
	"bytes"
	"context"
	"errors"
	"io"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/ssm"
	ssmtypes "github.com/aws/aws-sdk-go-v2/service/ssm/types"

	"github.com/keithlinneman/csloader/internal/cryptoutil"
	"github.com/keithlinneman/csloader/internal/log"
)

const (
	testSSMParam = "/csloader/manifest/hash"
	testBucket   = "test-manifests"
	testS3Prefix = "csloader/manifests"
)

// fakeS3 serves objects from memory keyed by object key.
type fakeS3 struct {
	mu      sync.Mutex
	objects map[string][]byte
	err     error
	gets    []string
}

func newFakeS3() *fakeS3 {
	return &fakeS3{objects: make(map[string][]byte)}
}

func (f *fakeS3) GetObject(_ context.Context, in *s3.GetObjectInput, _ ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := aws.ToString(in.Key)
	f.gets = append(f.gets, key)
	if f.err != nil {
		return nil, f.err
	}
	data, ok := f.objects[key]
	if !ok {
		return nil, errors.New("NoSuchKey: " + key)
	}
	return &s3.GetObjectOutput{Body: io.NopCloser(bytes.NewReader(data))}, nil
}

func (f *fakeS3) put(key string, data []byte) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.objects[key] = data
}

// fakeSSM returns a fixed parameter value or error.
type fakeSSM struct {
	mu    sync.Mutex
	value string
	err   error
	calls int
}

func ssmWithValue(v string) *fakeSSM { return &fakeSSM{value: v} }

func (f *fakeSSM) GetParameter(_ context.Context, _ *ssm.GetParameterInput, _ ...func(*ssm.Options)) (*ssm.GetParameterOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return &ssm.GetParameterOutput{Parameter: &ssmtypes.Parameter{Value: aws.String(f.value)}}, nil
}

func (f *fakeSSM) set(v string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.value, f.err = v, err
}

// fakeVerifier accepts a signature equal to "ok:" + sha256(message).
type fakeVerifier struct {
	calls int
}

func (v *fakeVerifier) VerifySignature(_ context.Context, message, signature []byte) error {
	v.calls++
	if string(signature) != "ok:"+cryptoutil.SHA256Hex(message) {
		return errors.New("signature mismatch")
	}
	return nil
}

func newTestLoader(s3c S3API, ssmc SSMAPI, verifier SignatureVerifier) *Loader {
	l, err := NewLoader(LoaderOptions{
		Logger:    log.Nop(),
		SSMParam:  testSSMParam,
		S3Bucket:  testBucket,
		S3Prefix:  testS3Prefix,
		S3Client:  s3c,
		SSMClient: ssmc,
		Verifier:  verifier,
	})
	if err != nil {
		panic(err)
	}
	return l
}

// putManifest stores data under its sha256 and returns the hash.
func putManifest(f *fakeS3, data []byte) string {
	hash := cryptoutil.SHA256Hex(data)
	f.put(testS3Prefix+"/"+hash+".json", data)
	return hash
}

func putSignature(f *fakeS3, hash string, data []byte) {
	f.put(testS3Prefix+"/"+hash+".json.sig", []byte("ok:"+cryptoutil.SHA256Hex(data)))
}

const manifestV1 = `{
  "name": "demo",
  "version": "1.0.0",
  "content_scripts": [
    {"matches": ["https://*.example.com/*"], "css": ["a.css"], "js": ["a.js"], "run_at": "document_end"},
    {"matches": ["<all_urls>"], "js": ["b.js"]}
  ]
}`

const manifestV2 = `{
  "name": "demo",
  "version": "2.0.0",
  "content_scripts": [
    {"matches": ["<all_urls>"], "js": ["c.js"], "run_at": "document_start"}
  ]
}`
