// Package main provides the Lambda entry point for the recognizer's HTTP
// front door, served through API Gateway:
//
//	POST /blobs            — initialize an upload
//	GET  /blobs/{blob_id}  — recognition result
//
// The full recognizer is wired at cold start so upload initialization can
// create the watch execution durably; the long-running recognizerd host
// picks parked executions up from the shared table.
package main

import (
	"time"

	"github.com/aws/aws-lambda-go/lambda"
	"github.com/awslabs/aws-lambda-go-api-proxy/httpadapter"

	"github.com/fpang/blob-recognizer/internal/boot"
	"github.com/fpang/blob-recognizer/internal/httpapi"
	"github.com/fpang/blob-recognizer/internal/logging"
)

var handler *httpapi.Handler

func init() {
	initStart := time.Now()
	logging.Init()

	deps := boot.InitService("api-lambda", initStart)
	handler = httpapi.NewHandler(deps.Service)
}

func main() {
	adapter := httpadapter.NewV2(handler.Mux())
	lambda.Start(adapter.ProxyWithContext)
}
