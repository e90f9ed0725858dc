package push

import (
	"fmt"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/legacyguard/shield/server/logger"
	"github.com/legacyguard/shield/shared"
)

var logg = logger.NewLogger()

// Client posts push notifications to the configured gateway. The gateway is
// treated as fire-and-forget; a non-2xx response is an error the caller logs
// into the attempt history.
type Client struct {
	http     *resty.Client
	config   shared.PushConfig
	testMode bool
}

func NewClient(config shared.PushConfig, testMode bool) *Client {
	httpClient := resty.New().
		SetTimeout(10 * time.Second).
		SetRetryCount(2).
		SetHeader("Authorization", "Bearer "+config.APIKey)

	return &Client{http: httpClient, config: config, testMode: testMode}
}

func (c *Client) Send(recipient, templateKey string, params map[string]string) error {
	if c.testMode {
		logg.Infof("[test push] recipient=%v template=%v", recipient, templateKey)
		return nil
	}

	resp, err := c.http.R().
		SetBody(map[string]interface{}{
			"recipient": recipient,
			"template":  templateKey,
			"params":    params,
		}).
		Post(c.config.GatewayURL)
	if err != nil {
		return err
	}

	if resp.IsError() {
		return fmt.Errorf("push gateway returned %v", resp.StatusCode())
	}

	return nil
}
