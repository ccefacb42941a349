package archive

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drfirst/go-pharmatrace/internal/ledger"
	"github.com/drfirst/go-pharmatrace/internal/store/memory"
)

// fakeS3 is an in-memory bucket speaking just enough of the S3 REST protocol
// for PutObject (with If-None-Match) and GetObject.
type fakeS3 struct {
	mu      sync.Mutex
	objects map[string][]byte
	puts    int
}

func newFakeS3() *fakeS3 { return &fakeS3{objects: make(map[string][]byte)} }

func response(status int, body string) *http.Response {
	return &http.Response{
		StatusCode: status,
		Body:       io.NopCloser(strings.NewReader(body)),
		Header:     http.Header{"Content-Type": {"application/xml"}},
	}
}

func (f *fakeS3) RoundTrip(req *http.Request) (*http.Response, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	// path style: /<bucket>/<key>
	parts := strings.SplitN(strings.TrimPrefix(req.URL.Path, "/"), "/", 2)
	if len(parts) != 2 {
		return response(http.StatusBadRequest, ""), nil
	}
	key := parts[1]

	switch req.Method {
	case http.MethodPut:
		f.puts++
		if _, exists := f.objects[key]; exists && req.Header.Get("If-None-Match") == "*" {
			return response(http.StatusPreconditionFailed,
				`<Error><Code>PreconditionFailed</Code><Message>At least one of the pre-conditions you specified did not hold</Message></Error>`), nil
		}
		body, _ := io.ReadAll(req.Body)
		f.objects[key] = body
		resp := response(http.StatusOK, "")
		resp.Header.Set("ETag", `"etag"`)
		return resp, nil
	case http.MethodGet:
		body, ok := f.objects[key]
		if !ok {
			return response(http.StatusNotFound, `<Error><Code>NoSuchKey</Code><Message>not found</Message></Error>`), nil
		}
		return &http.Response{
			StatusCode:    http.StatusOK,
			Body:          io.NopCloser(bytes.NewReader(body)),
			ContentLength: int64(len(body)),
			Header:        http.Header{"Content-Type": {"application/json"}},
		}, nil
	}
	return response(http.StatusNotImplemented, ""), nil
}

func (f *fakeS3) keys() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var keys []string
	for k := range f.objects {
		keys = append(keys, k)
	}
	return keys
}

func newTestClient(t *testing.T, rt http.RoundTripper) *s3.Client {
	t.Helper()
	cfg, err := config.LoadDefaultConfig(context.Background(),
		config.WithRegion("us-east-1"),
		config.WithCredentialsProvider(credentials.NewStaticCredentialsProvider("AKIA", "SECRET", "")),
	)
	require.NoError(t, err)
	return s3.NewFromConfig(cfg, func(o *s3.Options) {
		o.HTTPClient = &http.Client{Transport: rt}
		o.UsePathStyle = true
		o.BaseEndpoint = aws.String("https://mock.s3.local")
		o.RequestChecksumCalculation = aws.RequestChecksumCalculationWhenRequired
		o.ResponseChecksumValidation = aws.ResponseChecksumValidationWhenRequired
	})
}

func seedLedger(t *testing.T) (*ledger.Engine, *ledger.Query) {
	t.Helper()
	store := memory.New()
	engine := ledger.NewEngine(store, ledger.NewGuard(ledger.PolicyOwnerOrRegulator, "0xFDA"), ledger.Config{}, nil)
	ctx := context.Background()

	_, err := engine.CreateBatch(ctx, "0xMFG", ledger.CreateBatchRequest{
		BatchID:       "BATCH001",
		DrugName:      "Amoxicillin",
		DosageForm:    "Capsule",
		Strength:      "500mg",
		Manufacturer:  "Acme Pharma",
		MfgDate:       time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC),
		ExpDate:       time.Date(2027, 1, 1, 0, 0, 0, 0, time.UTC),
		FirstLocation: "Factory A",
	})
	require.NoError(t, err)
	_, err = engine.TransferBatch(ctx, ledger.TransferRequest{BatchID: "BATCH001", Requester: "0xMFG", To: "0xPHARM", Location: "Store 12"})
	require.NoError(t, err)
	return engine, ledger.NewQuery(store)
}

func TestArchiveBatch_WritesCreateOnlyDocument(t *testing.T) {
	engine, query := seedLedger(t)
	ctx := context.Background()
	ref, err := engine.UpdateStatus(ctx, ledger.StatusRequest{BatchID: "BATCH001", Requester: "0xFDA", Status: ledger.StatusRecalled})
	require.NoError(t, err)

	bucket := newFakeS3()
	a := NewWithClient(newTestClient(t, bucket), "audit", query, nil)

	key, created, err := a.ArchiveBatch(ctx, "BATCH001")
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, "batches/BATCH001/2.json", key)
	assert.Equal(t, []string{key}, bucket.keys())

	doc, err := a.Fetch(ctx, "BATCH001", 2)
	require.NoError(t, err)
	assert.Equal(t, "BATCH001", doc.Batch.ID)
	assert.Equal(t, ledger.StatusRecalled, doc.Batch.Status)
	require.Len(t, doc.Events, 3)
	assert.Equal(t, ref.Hash, doc.Events[2].Hash)
	assert.True(t, doc.Verification.Valid)
	assert.Equal(t, ref.Hash, doc.Verification.HeadHash)

	// second delivery of the terminal event
	key2, created, err := a.ArchiveBatch(ctx, "BATCH001")
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, key, key2)
	assert.Equal(t, 2, bucket.puts)
	assert.Len(t, bucket.keys(), 1)
}

func TestArchiveBatch_RefusesActiveBatch(t *testing.T) {
	_, query := seedLedger(t)
	bucket := newFakeS3()
	a := NewWithClient(newTestClient(t, bucket), "audit", query, nil)

	_, _, err := a.ArchiveBatch(context.Background(), "BATCH001")
	assert.ErrorIs(t, err, ErrNotTerminal)
	assert.Empty(t, bucket.keys())

	_, _, err = a.ArchiveBatch(context.Background(), "UNKNOWN")
	assert.ErrorIs(t, err, ledger.ErrNotFound)
}

func TestFetch_Missing(t *testing.T) {
	_, query := seedLedger(t)
	a := NewWithClient(newTestClient(t, newFakeS3()), "audit", query, nil)

	_, err := a.Fetch(context.Background(), "BATCH001", 9)
	assert.ErrorIs(t, err, ledger.ErrNotFound)
}

func TestNew_RequiresBucket(t *testing.T) {
	_, err := New(context.Background(), Config{}, nil, nil)
	assert.Error(t, err)
}

func TestObjectKey(t *testing.T) {
	assert.Equal(t, "batches/LOT-7/12.json", ObjectKey("LOT-7", 12))
}
