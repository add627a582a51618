package registry

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/sirupsen/logrus"

	"nucleus.evalgo.org/errs"
)

// discoveryResponse is the schema the Metadata Ingestor (C9, out of
// scope beyond this shape) returns: three lists of records the Registry
// stores verbatim.
type discoveryResponse struct {
	Actions            []ActionConfiguration           `json:"actions"`
	ExtendableActions  []ExtendableActionConfiguration `json:"extendable_actions"`
	ResourceStructures []ResourceStructure              `json:"resource_structures"`
}

// Ingestor discovers action/extendable/resource configurations from a
// directory of handler source. The production implementation is an
// external HTTP service; tests can supply a stub.
type Ingestor interface {
	Discover(ctx context.Context, directory string) ([]ActionConfiguration, []ExtendableActionConfiguration, []ResourceStructure, error)
}

// HTTPIngestor calls an external metadata ingestor service, retrying
// with a linear backoff -- the same retry shape the teacher used for
// registering a running service with the registry API, applied here to
// a discovery request instead of a registration POST.
type HTTPIngestor struct {
	BaseURL string
	Client  *http.Client
	log     *logrus.Entry
}

// NewHTTPIngestor builds an HTTPIngestor against baseURL.
func NewHTTPIngestor(baseURL string, log *logrus.Entry) *HTTPIngestor {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &HTTPIngestor{
		BaseURL: baseURL,
		Client:  &http.Client{Timeout: 10 * time.Second},
		log:     log.WithField("component", "metadata_ingestor"),
	}
}

type discoverRequest struct {
	Directory string `json:"directory"`
}

// Discover POSTs {"directory": directory} to BaseURL+"/v1/api/discover"
// and parses the three discovered lists, making up to 3 attempts.
func (h *HTTPIngestor) Discover(ctx context.Context, directory string) ([]ActionConfiguration, []ExtendableActionConfiguration, []ResourceStructure, error) {
	body, err := json.Marshal(discoverRequest{Directory: directory})
	if err != nil {
		return nil, nil, nil, errs.Wrap(err, "marshal discover request for %s", directory)
	}

	url := fmt.Sprintf("%s/v1/api/discover", h.BaseURL)
	var lastErr error
	for attempt := 0; attempt < 3; attempt++ {
		if attempt > 0 {
			time.Sleep(time.Duration(attempt) * time.Second)
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
		if err != nil {
			lastErr = err
			continue
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := h.Client.Do(req)
		if err != nil {
			lastErr = err
			h.log.WithError(err).Warnf("discover attempt %d failed", attempt+1)
			continue
		}

		var discovered discoveryResponse
		decodeErr := json.NewDecoder(resp.Body).Decode(&discovered)
		resp.Body.Close()

		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			lastErr = fmt.Errorf("discover failed with status %d", resp.StatusCode)
			h.log.Warnf("discover attempt %d failed with status %d", attempt+1, resp.StatusCode)
			continue
		}
		if decodeErr != nil {
			return nil, nil, nil, errs.Wrap(decodeErr, "decode discover response from %s", url)
		}
		return discovered.Actions, discovered.ExtendableActions, discovered.ResourceStructures, nil
	}
	return nil, nil, nil, errs.Wrap(lastErr, "discover against %s failed after 3 attempts", url)
}

// Autodiscover invokes ingestor against directory and stores everything
// it returns, implementing the Engine Facade's autodiscover(directory)
// operation (spec §6).
func (r *Registry) Autodiscover(ctx context.Context, ingestor Ingestor, directory string) error {
	actions, extendable, resources, err := ingestor.Discover(ctx, directory)
	if err != nil {
		return err
	}
	if err := r.StoreActionConfigurations(ctx, actions); err != nil {
		return err
	}
	if err := r.StoreExtendableActionConfigurations(ctx, extendable); err != nil {
		return err
	}
	return r.StoreResourceStructures(ctx, resources)
}
