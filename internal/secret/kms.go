package secret

import (
	"context"
	"encoding/base64"
	"fmt"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/kms"
)

// kmsDecrypter is the slice of the KMS API this provider needs
type kmsDecrypter interface {
	Decrypt(ctx context.Context, params *kms.DecryptInput, optFns ...func(*kms.Options)) (*kms.DecryptOutput, error)
}

// KMSProvider resolves secrets stored as KMS-encrypted ciphertext. Secrets
// are looked up by name in a static map of base64-encoded ciphertext blobs
// (typically loaded from configuration) and decrypted on demand.
type KMSProvider struct {
	client      kmsDecrypter
	ciphertexts map[string]string
}

// KMSProviderConfig configures the KMS provider
type KMSProviderConfig struct {
	// Region is the AWS region. Empty uses the SDK default chain.
	Region string

	// Ciphertexts maps secret names to base64-encoded KMS ciphertext blobs
	Ciphertexts map[string]string

	// Client overrides the KMS client, for testing
	Client kmsDecrypter
}

// NewKMSProvider creates a KMS-backed provider. Credentials and region
// resolution follow the standard SDK chain unless overridden.
func NewKMSProvider(ctx context.Context, cfg KMSProviderConfig) (*KMSProvider, error) {
	client := cfg.Client
	if client == nil {
		var loadOpts []func(*awsconfig.LoadOptions) error
		if cfg.Region != "" {
			loadOpts = append(loadOpts, awsconfig.WithRegion(cfg.Region))
		}
		awsCfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
		if err != nil {
			return nil, fmt.Errorf("failed to load AWS config: %w", err)
		}
		client = kms.NewFromConfig(awsCfg)
	}

	return &KMSProvider{
		client:      client,
		ciphertexts: cfg.Ciphertexts,
	}, nil
}

func (p *KMSProvider) Name() string { return "kms" }

func (p *KMSProvider) Resolve(ctx context.Context, name string) (string, error) {
	ciphertext, ok := p.ciphertexts[name]
	if !ok {
		return "", ErrNotFound
	}

	blob, err := base64.StdEncoding.DecodeString(ciphertext)
	if err != nil {
		return "", fmt.Errorf("secret %q ciphertext is not valid base64: %w", name, err)
	}

	out, err := p.client.Decrypt(ctx, &kms.DecryptInput{CiphertextBlob: blob})
	if err != nil {
		return "", fmt.Errorf("failed to decrypt secret %q: %w", name, err)
	}

	return string(out.Plaintext), nil
}
