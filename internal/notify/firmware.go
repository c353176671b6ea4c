package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"
)

// FirmwareLookup implements spec §4.11: an HTTP collaborator that resolves
// the newest available firmware for a device type, consulted by
// device.Twin.StartFirmwareUpdate before forwarding ".fwupdate" to the
// device so the forwarded args can carry a resolved download URL.
type FirmwareLookup interface {
	Lookup(ctx context.Context, deviceType string, currentVersion int) (url string, version int, found bool, err error)
}

// HTTPFirmwareLookup implements FirmwareLookup against a base URL taken
// from the FIRMWARE_UPDATE_LOOKUP environment variable (spec §6), grounded
// on the teacher's webhook.Config HTTP-request shape (internal/webhook/
// config.go's attempt func): a plain http.Client GET with a short timeout
// and a single decoded JSON response, no retry loop since a failed lookup
// just means "no update available now" rather than something that must
// eventually succeed.
type HTTPFirmwareLookup struct {
	BaseURL string
	Client  *http.Client
}

func NewHTTPFirmwareLookup(baseURL string) *HTTPFirmwareLookup {
	return &HTTPFirmwareLookup{
		BaseURL: baseURL,
		Client:  &http.Client{Timeout: 5 * time.Second},
	}
}

type firmwareLookupResponse struct {
	URL     string `json:"url"`
	Version int    `json:"version"`
}

// Lookup issues GET <BaseURL>/firmware/<deviceType>?current=<currentVersion>
// and reports found=false (no error) on a 404, matching "no update
// available" rather than a transport failure.
func (l *HTTPFirmwareLookup) Lookup(ctx context.Context, deviceType string, currentVersion int) (string, int, bool, error) {
	if l.BaseURL == "" {
		return "", 0, false, nil
	}

	reqURL := fmt.Sprintf("%s/firmware/%s?current=%s",
		trimTrailingSlash(l.BaseURL), url.PathEscape(deviceType), strconv.Itoa(currentVersion))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return "", 0, false, err
	}

	resp, err := l.Client.Do(req)
	if err != nil {
		return "", 0, false, err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return "", 0, false, nil
	}
	if resp.StatusCode != http.StatusOK {
		return "", 0, false, fmt.Errorf("firmware lookup: unexpected status %d", resp.StatusCode)
	}

	var body firmwareLookupResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return "", 0, false, err
	}
	if body.Version <= currentVersion {
		return "", 0, false, nil
	}
	return body.URL, body.Version, true, nil
}

func trimTrailingSlash(s string) string {
	for len(s) > 0 && s[len(s)-1] == '/' {
		s = s[:len(s)-1]
	}
	return s
}
