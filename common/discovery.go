/*
 *
 * janus - a browser remote-debugging protocol client
 * Copyright (C) 2021 Load Impact
 *
 * This program is free software: you can redistribute it and/or modify
 * it under the terms of the GNU Affero General Public License as
 * published by the Free Software Foundation, either version 3 of the
 * License, or (at your option) any later version.
 *
 * This program is distributed in the hope that it will be useful,
 * but WITHOUT ANY WARRANTY; without even the implied warranty of
 * MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
 * GNU Affero General Public License for more details.
 *
 * You should have received a copy of the GNU Affero General Public License
 * along with this program.  If not, see <http://www.gnu.org/licenses/>.
 *
 */

package common

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/loadimpact/janus/log"

	"github.com/tidwall/gjson"
)

// discoveryClient does not keep idle connections around.
var discoveryClient = &http.Client{
	Transport: &http.Transport{
		Proxy:             http.ProxyFromEnvironment,
		DisableKeepAlives: true,
	},
}

// DiscoverWSURL asks a DevTools HTTP endpoint (e.g. http://127.0.0.1:9222)
// for the browser WebSocket debugger URL. The browser may still be starting,
// so the request is retried a few times.
func DiscoverWSURL(ctx context.Context, endpoint string, logger *log.Logger) (string, error) {
	u, err := url.Parse(endpoint)
	if err != nil {
		return "", fmt.Errorf("parsing endpoint %q: %w", endpoint, err)
	}
	u.Path = strings.TrimSuffix(u.Path, "/") + "/json/version"
	versionURL := u.String()

	var lastErr error
	for attempt := 1; attempt <= discoveryAttempts; attempt++ {
		wsURL, err := fetchWSURL(ctx, versionURL)
		if err == nil {
			logger.Debugf("DiscoverWSURL", "endpoint:%q attempt:%d ws:%q", endpoint, attempt, wsURL)
			return wsURL, nil
		}
		lastErr = err
		logger.Debugf("DiscoverWSURL", "endpoint:%q attempt:%d err:%v", endpoint, attempt, err)

		if attempt == discoveryAttempts {
			break
		}
		t := time.NewTimer(discoveryInterval)
		select {
		case <-ctx.Done():
			t.Stop()
			return "", ctx.Err()
		case <-t.C:
		}
	}

	return "", &TransportError{Op: "discover", Addr: versionURL, Err: lastErr}
}

func fetchWSURL(ctx context.Context, versionURL string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, versionURL, nil)
	if err != nil {
		return "", err
	}
	resp, err := discoveryClient.Do(req)
	if err != nil {
		return "", err
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", err
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("unexpected status %s", resp.Status)
	}

	wsURL := gjson.GetBytes(body, "webSocketDebuggerUrl")
	if !wsURL.Exists() || wsURL.String() == "" {
		return "", errors.New("response has no webSocketDebuggerUrl")
	}
	return wsURL.String(), nil
}
