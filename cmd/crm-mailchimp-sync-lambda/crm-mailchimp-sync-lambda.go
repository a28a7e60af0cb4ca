package main

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"os"

	"github.com/aws/aws-lambda-go/events"
	"github.com/aws/aws-lambda-go/lambda"
	"github.com/newrelic/nr-crm-mailchimp-sync/internal/sync"
	"github.com/newrelic/nr-crm-mailchimp-sync/internal/syncerr"
	"github.com/newrelic/nr-crm-mailchimp-sync/pkg/interop"
)

type CronSyncResult struct {
	Success   bool
	Processed int
	Created   int
	Failed    int
	Filtered  int
	Message   string
}

// HandleRequest serves API Gateway webhook requests and scheduled
// invocations, which run a cron batch for SYNC_CONFIG.
func HandleRequest(ctx context.Context, payload json.RawMessage) (interface{}, error) {
	i, err := interop.NewInteroperability()
	if err != nil {
		return nil, fmt.Errorf("failed to create interop: %w", err)
	}

	defer i.Shutdown()

	var req events.APIGatewayProxyRequest
	if err := json.Unmarshal(payload, &req); err == nil && req.HTTPMethod != "" {
		return handleWebhook(ctx, i, req), nil
	}

	return handleCron(ctx, i, os.Getenv("SYNC_CONFIG"))
}

func handleCron(ctx context.Context, i *interop.Interop, name string) (CronSyncResult, error) {
	if name == "" {
		err := fmt.Errorf("SYNC_CONFIG is not set")
		return CronSyncResult{Message: err.Error()}, err
	}

	syncer, err := sync.New(i, name)
	if err != nil {
		retErr := fmt.Errorf("cron sync failed: %w", err)
		return CronSyncResult{Message: retErr.Error()}, retErr
	}

	result, err := syncer.SyncAllCronBatch(ctx, 0, 0)
	out := CronSyncResult{
		Success:   err == nil,
		Processed: result.Processed,
		Created:   result.Success,
		Failed:    result.Failed,
		Filtered:  result.Filtered,
	}
	if err != nil {
		// per subscriber failures are reported, not retried by lambda
		out.Message = err.Error()
	}

	return out, nil
}

func handleWebhook(
	ctx context.Context,
	i *interop.Interop,
	req events.APIGatewayProxyRequest,
) events.APIGatewayProxyResponse {
	endpoint, err := i.Store.EndpointBySecret(ctx, req.PathParameters["secret"])
	if syncerr.IsNotFound(err) {
		return response(http.StatusNotFound, "not found")
	} else if err != nil {
		i.Logger.Errorf("endpoint lookup failed: %s", err)
		return response(http.StatusInternalServerError, err.Error())
	}

	if req.HTTPMethod == http.MethodGet {
		return response(http.StatusOK, "ok")
	}

	body := []byte(req.Body)
	if req.IsBase64Encoded {
		body, err = base64.StdEncoding.DecodeString(req.Body)
		if err != nil {
			return response(http.StatusBadRequest, err.Error())
		}
	}

	event, err := sync.ParseEventBody(body)
	if err != nil {
		i.Logger.Warnf("rejecting webhook for %s: %s", endpoint.ConfigName, err)
		return response(http.StatusBadRequest, err.Error())
	}

	syncer, err := sync.New(i, endpoint.ConfigName)
	if err != nil {
		return response(http.StatusInternalServerError, err.Error())
	}

	if err := syncer.HandleMailchimpEvent(ctx, event); err != nil {
		i.Logger.Warnf("%s webhook for %s failed: %s", event.Type, endpoint.ConfigName, err)
		return response(http.StatusInternalServerError, err.Error())
	}

	return response(http.StatusOK, "ok")
}

func response(status int, body string) events.APIGatewayProxyResponse {
	return events.APIGatewayProxyResponse{
		StatusCode: status,
		Headers:    map[string]string{"Content-Type": "text/plain"},
		Body:       body,
	}
}

func main() {
	lambda.Start(HandleRequest)
}
