package steps

import (
	"context"
	"net/http"
	"net/url"
	"strings"

	"github.com/flexinfer/mentatlab/services/automations-go/pkg/types"
)

// EmailStep sends mail through a SendGrid-compatible API.
//
// Config: to, subject, body or html, from, api_key (own credentials).
type EmailStep struct {
	Client *http.Client
	Config *Config
}

func (s *EmailStep) Type() string { return types.StepEmail }

func (s *EmailStep) Run(ctx context.Context, cfg map[string]any, _ map[string]any) (map[string]any, error) {
	to := getString(cfg, "to")
	if to == "" {
		return nil, invalidConfig("email step requires to")
	}

	apiKey := getString(cfg, "api_key")
	if apiKey == "" {
		apiKey = getString(cfg, "sendgrid_api_key")
	}
	byoc := apiKey != ""
	if !byoc {
		apiKey = s.Config.EmailAPIKey
	}
	if apiKey == "" {
		return nil, invalidConfig("no email credentials configured")
	}

	from := getStringDefault(cfg, "from", s.Config.EmailFrom)
	content := []map[string]string{}
	if text := getString(cfg, "body"); text != "" {
		content = append(content, map[string]string{"type": "text/plain", "value": text})
	}
	if html := getString(cfg, "html"); html != "" {
		content = append(content, map[string]string{"type": "text/html", "value": html})
	}
	if len(content) == 0 {
		return nil, invalidConfig("email step requires body or html")
	}

	recipients := []map[string]string{}
	for _, addr := range strings.Split(to, ",") {
		if addr = strings.TrimSpace(addr); addr != "" {
			recipients = append(recipients, map[string]string{"email": addr})
		}
	}

	payload := map[string]any{
		"personalizations": []map[string]any{{"to": recipients}},
		"from":             map[string]string{"email": from},
		"subject":          getString(cfg, "subject"),
		"content":          content,
	}
	headers := map[string]string{"Authorization": "Bearer " + apiKey}

	resp, err := doRequest(ctx, s.Client, http.MethodPost, s.Config.EmailAPIURL, headers, payload)
	if err != nil {
		return nil, err
	}
	return map[string]any{
		"sent":       true,
		"status":     resp.Status,
		"recipients": len(recipients),
		"byoc":       byoc,
	}, nil
}

// SMSStep sends a text message through a Twilio-compatible API.
//
// Config: to, body or message, from, twilio_account_sid and
// twilio_auth_token (own credentials).
type SMSStep struct {
	Client *http.Client
	Config *Config
}

func (s *SMSStep) Type() string { return types.StepSMS }

func (s *SMSStep) Run(ctx context.Context, cfg map[string]any, _ map[string]any) (map[string]any, error) {
	to := getString(cfg, "to")
	if to == "" {
		return nil, invalidConfig("sms step requires to")
	}
	body := getStringDefault(cfg, "body", getString(cfg, "message"))
	if body == "" {
		return nil, invalidConfig("sms step requires body")
	}

	sid, token := getString(cfg, "twilio_account_sid"), getString(cfg, "twilio_auth_token")
	byoc := sid != "" && token != ""
	if !byoc {
		sid, token = s.Config.TwilioAccountSID, s.Config.TwilioAuthToken
	}
	if sid == "" || token == "" {
		return nil, invalidConfig("no sms credentials configured")
	}

	form := url.Values{}
	form.Set("To", to)
	form.Set("From", getStringDefault(cfg, "from", s.Config.TwilioFrom))
	form.Set("Body", body)

	endpoint := strings.TrimRight(s.Config.SMSAPIURL, "/") + "/2010-04-01/Accounts/" + url.PathEscape(sid) + "/Messages.json"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, Permanent(err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.SetBasicAuth(sid, token)

	resp, err := doPrepared(s.Client, req)
	if err != nil {
		return nil, err
	}

	out := map[string]any{
		"sent":   true,
		"status": resp.Status,
		"byoc":   byoc,
	}
	if data, ok := resp.Data.(map[string]any); ok {
		out["sid"] = data["sid"]
	}
	return out, nil
}
