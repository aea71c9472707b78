package ipc

import (
	"net"
	"net/rpc"
	"net/rpc/jsonrpc"
	"time"
)

// Client provides RPC access to the daemon.
type Client struct {
	conn   net.Conn
	client *rpc.Client
}

// Dial connects to the IPC server at the given socket path.
func Dial(path string) (*Client, error) {
	conn, err := net.DialTimeout("unix", path, 2*time.Second)
	if err != nil {
		return nil, err
	}
	rpcClient := rpc.NewClientWithCodec(jsonrpc.NewClientCodec(conn))
	return &Client{conn: conn, client: rpcClient}, nil
}

// Close closes the underlying connection.
func (c *Client) Close() error {
	if c.client != nil {
		return c.client.Close()
	}
	return nil
}

func (c *Client) call(method string, req, resp any) error {
	return c.client.Call(ServiceName+"."+method, req, resp)
}

// Stop asks the daemon to drain and exit.
func (c *Client) Stop() (*StopResponse, error) {
	var resp StopResponse
	if err := c.call("Stop", StopRequest{}, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Status retrieves the daemon status.
func (c *Client) Status() (*StatusResponse, error) {
	var resp StatusResponse
	if err := c.call("Status", StatusRequest{}, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Submit stores a batch submission.
func (c *Client) Submit(req SubmitRequest) (*SubmitResponse, error) {
	var resp SubmitResponse
	if err := c.call("Submit", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// QueueList lists batches and jobs.
func (c *Client) QueueList(req QueueListRequest) (*QueueListResponse, error) {
	var resp QueueListResponse
	if err := c.call("QueueList", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// QueueShow returns one job, or one batch with its jobs.
func (c *Client) QueueShow(req QueueShowRequest) (*QueueShowResponse, error) {
	var resp QueueShowResponse
	if err := c.call("QueueShow", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// QueueRequeue sends an entity back through its pipeline.
func (c *Client) QueueRequeue(req QueueActionRequest) error {
	var resp QueueActionResponse
	return c.call("QueueRequeue", req, &resp)
}

// QueueDelete marks an entity deleted.
func (c *Client) QueueDelete(req QueueActionRequest) error {
	var resp QueueActionResponse
	return c.call("QueueDelete", req, &resp)
}

// HoldSet raises a hold.
func (c *Client) HoldSet(req HoldRequest) error {
	var resp HoldResponse
	return c.call("HoldSet", req, &resp)
}

// HoldClear lowers a hold.
func (c *Client) HoldClear(req HoldRequest) error {
	var resp HoldResponse
	return c.call("HoldClear", req, &resp)
}

// HoldList lists raised holds.
func (c *Client) HoldList() (*HoldListResponse, error) {
	var resp HoldListResponse
	if err := c.call("HoldList", HoldListRequest{}, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Locks lists live locks.
func (c *Client) Locks() (*LocksResponse, error) {
	var resp LocksResponse
	if err := c.call("Locks", LocksRequest{}, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Purge runs one cleanup pass in the daemon.
func (c *Client) Purge() (*PurgeResponse, error) {
	var resp PurgeResponse
	if err := c.call("Purge", PurgeRequest{}, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}
