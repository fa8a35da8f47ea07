package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"regexp"
	"time"
)

var gmailAPIBase = "https://gmail.googleapis.com/gmail/v1/users/me"

var codePattern = regexp.MustCompile(`\b\d{4,8}\b`)

// GmailCodeFetch returns a fetch function for WithEmailCodes backed by
// the Gmail REST API. It scans the most recent inbox messages for a
// numeric verification code.
func GmailCodeFetch() func(ctx context.Context, accessToken string) (string, error) {
	client := &http.Client{Timeout: 30 * time.Second}

	return func(ctx context.Context, accessToken string) (string, error) {
		query := url.Values{}
		query.Set("q", "newer_than:1h")
		query.Set("maxResults", "5")

		var list struct {
			Messages []struct {
				ID string `json:"id"`
			} `json:"messages"`
		}
		if err := gmailGet(ctx, client, accessToken, "/messages?"+query.Encode(), &list); err != nil {
			return "", fmt.Errorf("failed to list recent emails: %w", err)
		}

		for _, m := range list.Messages {
			var msg struct {
				Snippet string `json:"snippet"`
			}
			if err := gmailGet(ctx, client, accessToken, "/messages/"+m.ID+"?format=minimal", &msg); err != nil {
				return "", fmt.Errorf("failed to fetch email %s: %w", m.ID, err)
			}
			if code := codePattern.FindString(msg.Snippet); code != "" {
				return code, nil
			}
		}

		return "", fmt.Errorf("no verification code found in recent emails")
	}
}

func gmailGet(ctx context.Context, client *http.Client, accessToken, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, gmailAPIBase+path, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)

	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("gmail API returned status %d", resp.StatusCode)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
