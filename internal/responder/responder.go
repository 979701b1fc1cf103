// Package responder produces the assistant replies broadcast after every chat
// message. The relay treats a Responder as an opaque, possibly slow and
// fallible capability; Reply turns any failure into a human readable
// fallback so errors never reach the protocol layer.
package responder

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	openai "github.com/sashabaranov/go-openai"
)

// ErrNotConfigured is returned by Unconfigured.
var ErrNotConfigured = errors.New("responder: api_key not configured")

// Responder generates a reply to text written by displayName.
type Responder interface {
	Respond(ctx context.Context, text, displayName string) (string, error)
}

// Func adapts a function to Responder.
type Func func(ctx context.Context, text, displayName string) (string, error)

// Respond calls f.
func (f Func) Respond(ctx context.Context, text, displayName string) (string, error) {
	return f(ctx, text, displayName)
}

// Unconfigured fails every request with ErrNotConfigured, which maps to the
// "configure my API key" fallback.
type Unconfigured struct{}

// Respond implements Responder.
func (Unconfigured) Respond(context.Context, string, string) (string, error) {
	return "", ErrNotConfigured
}

// Reply calls r and never fails: errors, panics and empty answers become a
// fallback addressed to displayName.
func Reply(ctx context.Context, r Responder, text, displayName string) (reply string, err error) {
	if r == nil {
		return Fallback(ErrNotConfigured, displayName), ErrNotConfigured
	}

	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("responder: panic: %v", p)
			reply = Fallback(err, displayName)
		}
	}()

	reply, err = r.Respond(ctx, text, displayName)
	if err != nil {
		return Fallback(err, displayName), err
	}
	reply = strings.TrimSpace(reply)
	if reply == "" {
		err = errors.New("responder: empty reply")
		return Fallback(err, displayName), err
	}
	return reply, nil
}

// Failure classes used to pick a fallback message.
type failure int

const (
	failureGeneric failure = iota
	failureAuth
	failureQuota
	failureModel
)

func classify(err error) failure {
	if errors.Is(err, ErrNotConfigured) {
		return failureAuth
	}

	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		switch {
		case apiErr.HTTPStatusCode == http.StatusUnauthorized:
			return failureAuth
		case apiErr.Type == "insufficient_quota" || codeString(apiErr.Code) == "insufficient_quota":
			return failureQuota
		case codeString(apiErr.Code) == "model_not_found":
			return failureModel
		}
	}

	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) && reqErr.HTTPStatusCode == http.StatusUnauthorized {
		return failureAuth
	}

	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "api_key") || strings.Contains(msg, "api key") || strings.Contains(msg, "authentication"):
		return failureAuth
	case strings.Contains(msg, "quota") || strings.Contains(msg, "billing"):
		return failureQuota
	case strings.Contains(msg, "model"):
		return failureModel
	default:
		return failureGeneric
	}
}

func codeString(code any) string {
	if s, ok := code.(string); ok {
		return s
	}
	return ""
}

// Fallback returns the reply sent in place of a failed generation.
func Fallback(err error, displayName string) string {
	switch classify(err) {
	case failureAuth:
		return fmt.Sprintf("Sorry %s, I need my API key to be configured! 🔑 Please check the server setup.", displayName)
	case failureQuota:
		return fmt.Sprintf("Oops %s, looks like we've hit our API limit! 💳 Time to add some credits.", displayName)
	case failureModel:
		return fmt.Sprintf("Hey %s, there's a model issue on my end! 🤖 The server admin should check this.", displayName)
	default:
		return fmt.Sprintf("Sorry %s, I'm having trouble connecting to my brain right now! 🤖💭 Try again in a moment.", displayName)
	}
}
