package deployment

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/mendersoftware/mender-sub010/internal/apiclient"
	mendererrors "github.com/mendersoftware/mender-sub010/internal/errors"
)

// Client polls for new deployments and reports their progress, using
// apiclient.Client for transport, authentication and retry-on-401.
type Client struct {
	api *apiclient.Client
	log *logrus.Entry
}

// New builds a Client.
func New(api *apiclient.Client, log *logrus.Entry) *Client {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Client{api: api, log: log}
}

// call runs req through apiclient.Client synchronously, blocking the
// caller's goroutine until the body handler has fired, or the header
// handler has reported an error — apiclient.AsyncCall is the single-owner-goroutine primitive
// everything else in this module is built on; this package only ever
// needs a blocking view of it.
func (c *Client) call(req *apiclient.APIRequest) (status int, body []byte, err error) {
	done := make(chan struct{})
	req.Header.Set("X-Men-Poll-ID", uuid.New().String())

	c.api.AsyncCall(req, func(resp *http.Response, headerErr error) {
		if headerErr != nil {
			err = headerErr
			close(done)
			return
		}
		status = resp.StatusCode
	}, func(b []byte, bodyErr error) {
		defer close(done)
		if bodyErr != nil {
			err = bodyErr
			return
		}
		body = b
	})
	<-done
	return status, body, err
}

// CheckNewDeployments polls for a new deployment (spec.md §4.7): first the
// v2 POST endpoint, falling back to the v1 GET endpoint on a 404. Returns
// (nil, nil) when the server has nothing for this device (204).
func (c *Client) CheckNewDeployments(ctx context.Context, deviceType string, currentProvides map[string]string) (*Deployment, error) {
	body, err := json.Marshal(struct {
		DeviceProvides map[string]string `json:"device_provides"`
	}{DeviceProvides: mergeDeviceType(deviceType, currentProvides)})
	if err != nil {
		return nil, mendererrors.Wrap(mendererrors.KindInvalidData, err, "encoding device_provides")
	}

	req := apiclient.NewAPIRequest(http.MethodPost, deploymentsNextV2Path, body)
	req.Header.Set("Content-Type", "application/json")
	status, respBody, err := c.call(req)
	if err != nil {
		return nil, err
	}

	if status == http.StatusNotFound {
		c.log.Debug("deployments/next v2 not found, falling back to v1")
		return c.checkNewDeploymentsV1(deviceType, currentProvides["artifact_name"])
	}

	return c.decodeDeploymentResponse(status, respBody)
}

func (c *Client) checkNewDeploymentsV1(deviceType, artifactName string) (*Deployment, error) {
	q := url.Values{}
	q.Set("device_type", deviceType)
	q.Set("artifact_name", artifactName)

	req := apiclient.NewAPIRequest(http.MethodGet, deploymentsNextV1Path+"?"+q.Encode(), nil)
	status, body, err := c.call(req)
	if err != nil {
		return nil, err
	}
	return c.decodeDeploymentResponse(status, body)
}

func (c *Client) decodeDeploymentResponse(status int, body []byte) (*Deployment, error) {
	switch status {
	case http.StatusOK:
		var d Deployment
		if err := json.Unmarshal(body, &d); err != nil {
			return nil, mendererrors.Wrap(mendererrors.KindInvalidData, err, "decoding deployment response")
		}
		if len(d.Artifact.DeviceTypesCompatible) == 0 {
			return nil, mendererrors.New(mendererrors.KindBadResponse, "check_new_deployments: device_types_compatible must be non-empty")
		}
		return &d, nil
	case http.StatusNoContent:
		return nil, nil
	default:
		return nil, mendererrors.Newf(mendererrors.KindBadResponse, "check_new_deployments: unexpected status %d", status)
	}
}

// PushStatus reports deployment progress (spec.md §4.7). An empty substate
// omits the field entirely.
func (c *Client) PushStatus(ctx context.Context, deploymentID string, status Status, substate string) error {
	payload := struct {
		Status   Status `json:"status"`
		Substate string `json:"substate,omitempty"`
	}{Status: status, Substate: substate}

	body, err := json.Marshal(payload)
	if err != nil {
		return mendererrors.Wrap(mendererrors.KindInvalidData, err, "encoding status payload")
	}

	req := apiclient.NewAPIRequest(http.MethodPut, formatPath(statusPathFormat, deploymentID), body)
	req.Header.Set("Content-Type", "application/json")

	httpStatus, _, err := c.call(req)
	if err != nil {
		return err
	}

	switch {
	case httpStatus == http.StatusNoContent:
		return nil
	case httpStatus == http.StatusConflict:
		return mendererrors.New(mendererrors.KindDeploymentAborted, "push_status: deployment was aborted by the server")
	default:
		return mendererrors.Newf(mendererrors.KindBadResponse, "push_status: unexpected status %d", httpStatus)
	}
}

func formatPath(format, deploymentID string) string {
	return fmt.Sprintf(format, deploymentID)
}

// mergeDeviceType returns a copy of provides with device_type set,
// matching the device_provides shape spec.md §4.7 sends on the v2 poll.
func mergeDeviceType(deviceType string, provides map[string]string) map[string]string {
	merged := make(map[string]string, len(provides)+1)
	for k, v := range provides {
		merged[k] = v
	}
	merged["device_type"] = deviceType
	return merged
}
