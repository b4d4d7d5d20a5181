package task

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"hash"
	"io"

	"golang.org/x/crypto/blake2b"
)

// Supported fingerprint algorithms
const (
	AlgorithmSHA256  = "sha256"
	AlgorithmBLAKE2b = "blake2b"
)

// FingerprintResult is the payload stored as a file's extracted data.
type FingerprintResult struct {
	Hash string `json:"hash"`
}

// FingerprintProcessor computes a content digest by streaming the file.
// The same bytes always produce the same payload.
type FingerprintProcessor struct {
	algorithm string
	newHash   func() hash.Hash
}

// NewFingerprintProcessor returns a processor for the named algorithm.
// An empty name selects SHA-256.
func NewFingerprintProcessor(algorithm string) (*FingerprintProcessor, error) {
	switch algorithm {
	case "", AlgorithmSHA256:
		return &FingerprintProcessor{algorithm: AlgorithmSHA256, newHash: sha256.New}, nil
	case AlgorithmBLAKE2b:
		return &FingerprintProcessor{algorithm: AlgorithmBLAKE2b, newHash: newBLAKE2b256}, nil
	default:
		return nil, fmt.Errorf("unsupported fingerprint algorithm %q", algorithm)
	}
}

func newBLAKE2b256() hash.Hash {
	// Only fails for keys longer than 64 bytes.
	h, _ := blake2b.New256(nil)
	return h
}

// Type implements Processor.
func (p *FingerprintProcessor) Type() string {
	return JobTypeFileProcessing
}

// Algorithm returns the digest algorithm in use.
func (p *FingerprintProcessor) Algorithm() string {
	return p.algorithm
}

// Process implements Processor and returns {"hash":"<hex>"}.
func (p *FingerprintProcessor) Process(ctx context.Context, r io.Reader) ([]byte, error) {
	digest, err := p.Digest(ctx, r)
	if err != nil {
		return nil, err
	}

	payload, err := json.Marshal(FingerprintResult{Hash: digest})
	if err != nil {
		return nil, fmt.Errorf("%w: encode result: %v", ErrFingerprint, err)
	}
	return payload, nil
}

// Digest returns the lowercase hex digest of everything read from r.
func (p *FingerprintProcessor) Digest(ctx context.Context, r io.Reader) (string, error) {
	h := p.newHash()
	if _, err := io.Copy(h, &contextReader{ctx: ctx, r: r}); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return "", ctxErr
		}
		return "", fmt.Errorf("%w: %v", ErrStorageRead, err)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// contextReader stops reading once ctx is done.
type contextReader struct {
	ctx context.Context
	r   io.Reader
}

func (cr *contextReader) Read(p []byte) (int, error) {
	if err := cr.ctx.Err(); err != nil {
		return 0, err
	}
	return cr.r.Read(p)
}
