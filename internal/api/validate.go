package api

import (
	"errors"
	"fmt"
	"net/url"
	"strings"

	"leaddispatch/internal/model"
)

var errBadRequest = errors.New("bad request")

type responseRequest struct {
	ContractorID string         `json:"contractorId"`
	Decision     model.Decision `json:"decision"`
}

func validateResponse(req *responseRequest) error {
	if strings.TrimSpace(req.ContractorID) == "" {
		return fmt.Errorf("%w: contractorId required", errBadRequest)
	}
	req.Decision = model.Decision(strings.ToLower(string(req.Decision)))
	if !req.Decision.IsValid() {
		return fmt.Errorf("%w: decision must be accept or decline", errBadRequest)
	}
	return nil
}

// validateContractor checks a directory upsert against the path id.
func validateContractor(id string, c *model.Contractor) error {
	if c.ID == "" {
		c.ID = id
	}
	if c.ID != id {
		return fmt.Errorf("%w: body id %q does not match path id %q", errBadRequest, c.ID, id)
	}
	if c.Availability == "" {
		c.Availability = model.Available
	}
	if err := c.Validate(); err != nil {
		return fmt.Errorf("%w: %v", errBadRequest, err)
	}
	if len(c.ServiceTypes) == 0 {
		return fmt.Errorf("%w: serviceTypes required", errBadRequest)
	}
	if c.NotifyURL != "" {
		u, err := url.Parse(c.NotifyURL)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return fmt.Errorf("%w: notifyUrl must be an absolute http(s) URL", errBadRequest)
		}
	}
	for p, m := range c.ServiceArea.ResponseMinutes {
		if !p.IsValid() || m < 0 {
			return fmt.Errorf("%w: invalid responseMinutes entry %q=%d", errBadRequest, p, m)
		}
	}
	return nil
}
