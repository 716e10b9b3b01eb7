// Package paramstore resolves deployment secrets from AWS SSM Parameter Store.
package paramstore

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path"
	"strings"

	"github.com/aws/aws-sdk-go-v2/service/ssm"
)

// ssmAPI is the subset of *ssm.Client used here.
type ssmAPI interface {
	GetParameter(ctx context.Context, in *ssm.GetParameterInput, optFns ...func(*ssm.Options)) (*ssm.GetParameterOutput, error)
}

// Getter reads one decrypted parameter value.
type Getter interface {
	GetParameter(ctx context.Context, name string) (string, error)
}

// Client reads SecureString parameters.
type Client struct {
	api ssmAPI
}

var _ Getter = (*Client)(nil)

// New wraps an SSM API implementation.
func New(api ssmAPI) (*Client, error) {
	if api == nil {
		return nil, errors.New("paramstore: api must not be nil")
	}
	return &Client{api: api}, nil
}

func (c *Client) GetParameter(ctx context.Context, name string) (string, error) {
	if c.api == nil {
		return "", errors.New("paramstore: client not initialized")
	}
	name = strings.TrimSpace(name)
	if name == "" {
		return "", errors.New("paramstore: name is required")
	}
	withDecryption := true
	out, err := c.api.GetParameter(ctx, &ssm.GetParameterInput{
		Name:           &name,
		WithDecryption: &withDecryption,
	})
	if err != nil {
		return "", fmt.Errorf("paramstore: get parameter %q: %w", name, err)
	}
	if out == nil || out.Parameter == nil || out.Parameter.Value == nil {
		return "", fmt.Errorf("paramstore: parameter %q missing value", name)
	}
	return *out.Parameter.Value, nil
}

// Secret binds a parameter name, relative to a prefix, to the config field it fills.
type Secret struct {
	Name   string
	Target *string
}

// Fill resolves every secret whose target is still empty from prefix/Name.
// Values already set, typically from the environment, win. A lookup failure
// stops the fill and is returned; targets resolved before it keep their values.
func Fill(ctx context.Context, g Getter, prefix string, secrets []Secret) error {
	for _, s := range secrets {
		if s.Target == nil || *s.Target != "" {
			continue
		}
		name := path.Join("/", prefix, s.Name)
		v, err := g.GetParameter(ctx, name)
		if err != nil {
			return err
		}
		*s.Target = v
		slog.Debug("paramstore.Fill: secret resolved", "name", name)
	}
	return nil
}
