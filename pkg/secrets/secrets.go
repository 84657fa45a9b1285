// Package secrets resolves Graph API credentials from AWS Secrets Manager,
// static configuration or a per-user token endpoint.
package secrets

import (
	"context"
	"io"
	"net/http"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"
	json "github.com/goccy/go-json"
	"go.uber.org/zap"

	"github.com/lochness-labs/facebook-ingestion/pkg/config"
	"github.com/lochness-labs/facebook-ingestion/pkg/errors"
)

// Credentials authenticate Graph API calls. Either the app triple or a
// long-lived user token is required.
type Credentials struct {
	AppID              string `json:"FB_APP_ID"`
	AppSecret          string `json:"FB_APP_SECRET"`
	AccessToken        string `json:"FB_ACCESS_TOKEN"`
	LongLivedUserToken string `json:"long_live_user_token"`
}

// Validate checks that one usable credential set is present
func (c Credentials) Validate() error {
	if c.LongLivedUserToken != "" {
		return nil
	}
	if c.AppID == "" || c.AppSecret == "" || c.AccessToken == "" {
		return errors.New(errors.ErrorTypeConfig, "credentials need FB_APP_ID, FB_APP_SECRET and FB_ACCESS_TOKEN or a long_live_user_token")
	}
	return nil
}

// Token returns the token used for Bearer auth
func (c Credentials) Token() string {
	if c.LongLivedUserToken != "" {
		return c.LongLivedUserToken
	}
	return c.AccessToken
}

// Provider resolves credentials
type Provider interface {
	Credentials(ctx context.Context) (Credentials, error)
}

// StaticProvider returns fixed credentials
type StaticProvider struct {
	Creds Credentials
}

func (p StaticProvider) Credentials(context.Context) (Credentials, error) {
	if err := p.Creds.Validate(); err != nil {
		return Credentials{}, err
	}
	return p.Creds, nil
}

// SecretsManagerAPI is the subset of the Secrets Manager client in use
type SecretsManagerAPI interface {
	GetSecretValue(ctx context.Context, in *secretsmanager.GetSecretValueInput, opts ...func(*secretsmanager.Options)) (*secretsmanager.GetSecretValueOutput, error)
}

// SecretsManagerProvider reads a JSON secret holding the credential keys
type SecretsManagerProvider struct {
	client     SecretsManagerAPI
	secretName string
}

// NewSecretsManagerProvider connects to Secrets Manager with the default AWS chain
func NewSecretsManagerProvider(ctx context.Context, secretName, region string) (*SecretsManagerProvider, error) {
	var opts []func(*awsconfig.LoadOptions) error
	if region != "" {
		opts = append(opts, awsconfig.WithRegion(region))
	}
	cfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeConfig, "failed to load AWS config")
	}
	return NewSecretsManagerProviderFromClient(secretsmanager.NewFromConfig(cfg), secretName), nil
}

// NewSecretsManagerProviderFromClient wraps an existing client
func NewSecretsManagerProviderFromClient(client SecretsManagerAPI, secretName string) *SecretsManagerProvider {
	return &SecretsManagerProvider{client: client, secretName: secretName}
}

func (p *SecretsManagerProvider) Credentials(ctx context.Context) (Credentials, error) {
	out, err := p.client.GetSecretValue(ctx, &secretsmanager.GetSecretValueInput{
		SecretId: aws.String(p.secretName),
	})
	if err != nil {
		return Credentials{}, errors.Wrapf(err, errors.ErrorTypeAuthentication, "read secret %s", p.secretName)
	}

	var raw []byte
	switch {
	case out.SecretString != nil:
		raw = []byte(*out.SecretString)
	case len(out.SecretBinary) > 0:
		raw = out.SecretBinary
	default:
		return Credentials{}, errors.Newf(errors.ErrorTypeConfig, "secret %s is empty", p.secretName)
	}

	var creds Credentials
	if err := json.Unmarshal(raw, &creds); err != nil {
		return Credentials{}, errors.Wrapf(err, errors.ErrorTypeConfig, "decode secret %s", p.secretName)
	}
	if err := creds.Validate(); err != nil {
		return Credentials{}, err
	}
	return creds, nil
}

// NewProvider picks the provider for the configuration. A long-lived token
// passed on the command line wins over every other source.
func NewProvider(ctx context.Context, cfg config.CredentialsConfig, logger *zap.Logger) (Provider, error) {
	switch {
	case cfg.LongLivedUserToken != "":
		logger.Info("using long-lived user token")
		return StaticProvider{Creds: Credentials{LongLivedUserToken: cfg.LongLivedUserToken, AppID: cfg.AppID, AppSecret: cfg.AppSecret}}, nil
	case cfg.SecretName != "":
		logger.Info("using Secrets Manager credentials", zap.String("secret_name", cfg.SecretName))
		p, err := NewSecretsManagerProvider(ctx, cfg.SecretName, cfg.Region)
		if err != nil {
			return nil, err
		}
		return p, nil
	default:
		return StaticProvider{Creds: Credentials{AppID: cfg.AppID, AppSecret: cfg.AppSecret, AccessToken: cfg.AccessToken}}, nil
	}
}

// UserToken is one entry of the multi-user token endpoint
type UserToken struct {
	AccountID          string `json:"ad_accont_id"`
	LongLivedUserToken string `json:"long_live_user_token"`
}

type userTokensResponse struct {
	Result []UserToken `json:"result"`
}

// FetchUserTokens lists the per-user tokens published at url
func FetchUserTokens(ctx context.Context, client *http.Client, url string) ([]UserToken, error) {
	if client == nil {
		client = http.DefaultClient
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeConfig, "build secrets url request")
	}
	req.Header.Set("Accept", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeConnection, "fetch user tokens")
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeConnection, "read user tokens")
	}
	if resp.StatusCode != http.StatusOK {
		return nil, errors.Newf(errors.ErrorTypeAuthentication, "secrets url returned status %d", resp.StatusCode)
	}

	var out userTokensResponse
	if err := json.Unmarshal(body, &out); err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeData, "decode user tokens")
	}
	return out.Result, nil
}

// RunSpec is one planned job invocation for a scheduler to fan out
type RunSpec struct {
	LatestEpoch        string `json:"latest_epoch"`
	DataBucket         string `json:"s3_data_bucket"`
	CodeBucket         string `json:"s3_code_bucket"`
	ResourceName       string `json:"resource_name"`
	ConfigKey          string `json:"s3_key_conf_file"`
	SecretName         string `json:"fb_secret_name"`
	AccountID          string `json:"account_id"`
	LongLivedUserToken string `json:"long_live_user_token"`
}

// PlanOptions describes the shared part of every planned run
type PlanOptions struct {
	LatestEpoch  string
	DataBucket   string
	CodeBucket   string
	ResourceName string
	ConfigKey    string
	SecretName   string
	SecretsURL   string
}

// PlanRuns returns one run for the shared secret, or one run per user token
// published at the secrets URL
func PlanRuns(ctx context.Context, client *http.Client, opts PlanOptions) ([]RunSpec, error) {
	base := RunSpec{
		LatestEpoch:  opts.LatestEpoch,
		DataBucket:   opts.DataBucket,
		CodeBucket:   opts.CodeBucket,
		ResourceName: opts.ResourceName,
		ConfigKey:    opts.ConfigKey,
	}

	switch {
	case opts.SecretName != "":
		run := base
		run.SecretName = opts.SecretName
		run.AccountID = "null"
		run.LongLivedUserToken = "null"
		return []RunSpec{run}, nil
	case opts.SecretsURL != "":
		tokens, err := FetchUserTokens(ctx, client, opts.SecretsURL)
		if err != nil {
			return nil, err
		}
		runs := make([]RunSpec, 0, len(tokens))
		for _, t := range tokens {
			run := base
			run.SecretName = "null"
			run.AccountID = t.AccountID
			run.LongLivedUserToken = t.LongLivedUserToken
			runs = append(runs, run)
		}
		return runs, nil
	default:
		return nil, errors.New(errors.ErrorTypeConfig, "a secret name or a secrets url is required")
	}
}
