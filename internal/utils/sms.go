package utils

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"strings"
)

// SMSClient talks to the Mobizon-compatible SMS API used by the rural
// carrier aggregator. In dry-run mode no HTTP request leaves the process.
type SMSClient struct {
	APIKey  string
	Sender  string
	DryRun  bool
	BaseURL string
	HTTP    *http.Client
}

type sendSMSResponse struct {
	Code int `json:"code"`
	Data struct {
		MessageID string `json:"messageId"`
	} `json:"data"`
}

const defaultSMSBaseURL = "https://api.mobizon.in/service/message/sendsmsmessage"

func NewSMSClient(apiKey, sender string, dryRun bool) *SMSClient {
	return &SMSClient{
		APIKey:  apiKey,
		Sender:  sender,
		DryRun:  dryRun,
		BaseURL: defaultSMSBaseURL,
		HTTP:    http.DefaultClient,
	}
}

// Send delivers one text message. The message text is not logged: for OTP
// traffic it contains the code.
func (c *SMSClient) Send(ctx context.Context, to, text string) error {
	if c.DryRun || c.APIKey == "" || c.APIKey == "dry-run" {
		log.Printf("[sms][dry-run] to=%s sender=%q len=%d", to, c.Sender, len(text))
		return nil
	}

	form := url.Values{
		"apiKey":    {c.APIKey},
		"recipient": {to},
		"text":      {text},
	}
	if c.Sender != "" {
		form.Set("from", c.Sender)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL, strings.NewReader(form.Encode()))
	if err != nil {
		return fmt.Errorf("build SMS request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return fmt.Errorf("send SMS request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read SMS response: %w", err)
	}

	var result sendSMSResponse
	if err := json.Unmarshal(body, &result); err != nil {
		return fmt.Errorf("parse SMS response: %w", err)
	}
	if result.Code != 0 {
		return fmt.Errorf("sms provider returned error code: %d", result.Code)
	}
	log.Printf("[sms][send] ok: to=%s messageID=%s", to, result.Data.MessageID)
	return nil
}
