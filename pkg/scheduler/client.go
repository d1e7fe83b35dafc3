// Package scheduler calls back into the coordinating scheduler.
package scheduler

import (
	"time"

	"edgerelay/pkg/utils"

	"github.com/valyala/fasthttp"
)

// Completion is the body of a task_completed callback.
type Completion struct {
	TaskID   string `json:"task_id"`
	DeviceID string `json:"device_id"`
	ClientIP string `json:"client_ip"`
	Service  string `json:"service"`
	Status   string `json:"status"`
}

type Client struct {
	base     string
	deviceID string
	timeout  time.Duration
	hc       *fasthttp.Client
}

func New(addr, deviceID string, timeout time.Duration) *Client {
	return &Client{
		base:     "http://" + addr,
		deviceID: deviceID,
		timeout:  timeout,
		hc:       utils.NewClientFast("edgerelay-scheduler", timeout),
	}
}

func (c *Client) DeviceID() string { return c.deviceID }

// TaskCompleted reports a delivered result.
func (c *Client) TaskCompleted(taskID, clientIP, service string) error {
	_, err := utils.PostJSONFast(c.hc, c.base+"/task_completed", Completion{
		TaskID:   taskID,
		DeviceID: c.deviceID,
		ClientIP: clientIP,
		Service:  service,
		Status:   "success",
	}, c.timeout)
	return err
}

// TaskResultReady announces that a result is about to be shipped.
func (c *Client) TaskResultReady(taskID string) error {
	_, err := utils.PostJSONFast(c.hc, c.base+"/task_result_ready", map[string]string{"task_id": taskID}, c.timeout)
	return err
}
