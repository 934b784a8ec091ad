// Package bedrock signs upstream requests for sessions targeting AWS Bedrock.
//
// Sessions with a bedrock_region carry no Authorization or x-api-key; the
// request is SigV4-signed with credentials from the default AWS chain instead.
package bedrock

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	v4 "github.com/aws/aws-sdk-go-v2/aws/signer/v4"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
)

const serviceName = "bedrock"

// Signer signs HTTP requests for one Bedrock region. Credentials are loaded
// lazily on first use and cached for the process lifetime.
type Signer struct {
	region string

	mu      sync.Mutex
	creds   aws.CredentialsProvider
	loadErr error
	loaded  bool
	signer  *v4.Signer
}

// NewSigner returns a signer for the given region. An empty region yields an
// unconfigured signer that refuses to sign.
func NewSigner(region string) *Signer {
	return &Signer{region: region, signer: v4.NewSigner()}
}

// IsConfigured reports whether the signer has a region to sign for.
func (s *Signer) IsConfigured() bool {
	return s != nil && s.region != ""
}

// BuildTargetURL maps a model-invoke path onto the region's Bedrock runtime
// endpoint.
func (s *Signer) BuildTargetURL(path string) string {
	return fmt.Sprintf("https://bedrock-runtime.%s.amazonaws.com%s", s.region, path)
}

func (s *Signer) credentials(ctx context.Context) (aws.CredentialsProvider, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.loaded {
		cfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(s.region))
		if err != nil {
			s.loadErr = fmt.Errorf("load aws config: %w", err)
		} else {
			s.creds = cfg.Credentials
		}
		s.loaded = true
	}
	return s.creds, s.loadErr
}

// SignRequest applies a SigV4 signature for the request with the given body.
// The body must match what will be sent; the payload hash is part of the
// signature.
func (s *Signer) SignRequest(ctx context.Context, req *http.Request, body []byte) error {
	if !s.IsConfigured() {
		return fmt.Errorf("bedrock signer not configured")
	}
	provider, err := s.credentials(ctx)
	if err != nil {
		return err
	}
	creds, err := provider.Retrieve(ctx)
	if err != nil {
		return fmt.Errorf("retrieve aws credentials: %w", err)
	}

	sum := sha256.Sum256(body)
	payloadHash := hex.EncodeToString(sum[:])

	if err := s.signer.SignHTTP(ctx, creds, req, payloadHash, serviceName, s.region, time.Now()); err != nil {
		return fmt.Errorf("sign bedrock request: %w", err)
	}
	return nil
}
