package handler

import (
	"io"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/foragehq/forage/batch"
	"github.com/foragehq/forage/engine"
	"github.com/foragehq/forage/extract"
	"github.com/foragehq/forage/models"
	"github.com/foragehq/forage/rpc"
)

// maxRPCBody bounds one request envelope read.
const maxRPCBody = 1 << 20

// defaultMapLimit caps "map" results when the caller sets no limit.
const defaultMapLimit = 200

// RPC returns the handler for POST /rpc, the service's single method
// endpoint. The envelope is JSON-RPC 2.0; method-level failures are
// answered with HTTP 200 and an error object, so callers distinguish
// "the scrape failed" from "the transport failed". The middleware
// produces the only non-200 responses (401, 429).
//
// Methods:
//
//	ping         liveness probe, no side effects
//	scrape       one URL through the full fetch/retry/extract path
//	map          link discovery on one URL
//	batchSubmit  up to 100 URLs, tracked asynchronously
//	batchStatus  poll a submitted batch
func RPC(pool *engine.WorkerPool, batches *batch.Manager) gin.HandlerFunc {
	return func(c *gin.Context) {
		body, err := io.ReadAll(io.LimitReader(c.Request.Body, maxRPCBody+1))
		if err != nil {
			c.JSON(http.StatusOK, rpc.NewError(nil,
				rpc.Errorf(rpc.CodeParseError, "read request body: %v", err)))
			return
		}
		if len(body) > maxRPCBody {
			c.JSON(http.StatusOK, rpc.NewError(nil,
				rpc.Errorf(rpc.CodeInvalidRequest, "request body exceeds %d bytes", maxRPCBody)))
			return
		}

		req, rpcErr := rpc.Parse(body)
		if rpcErr != nil {
			c.JSON(http.StatusOK, rpc.NewError(req.ID, rpcErr))
			return
		}
		c.JSON(http.StatusOK, dispatch(c, req, pool, batches))
	}
}

func dispatch(c *gin.Context, req *rpc.Request, pool *engine.WorkerPool, batches *batch.Manager) *rpc.Response {
	switch req.Method {
	case "ping":
		return rpc.NewResult(req.ID, gin.H{"status": "ok"})
	case "scrape":
		return scrapeMethod(c, req, pool)
	case "map":
		return mapMethod(c, req, pool)
	case "batchSubmit":
		return batchSubmitMethod(req, batches)
	case "batchStatus":
		return batchStatusMethod(req, batches)
	default:
		return rpc.NewError(req.ID, rpc.Errorf(rpc.CodeMethodNotFound, "method %q not found", req.Method))
	}
}

// scrapeMethod runs one job through the worker pool and shapes the
// outcome. The pool enforces admission control: a full queue rejects
// immediately rather than stacking latency on every caller.
func scrapeMethod(c *gin.Context, req *rpc.Request, pool *engine.WorkerPool) *rpc.Response {
	var job models.ScrapeJob
	if rpcErr := req.Bind(&job); rpcErr != nil {
		return rpc.NewError(req.ID, rpcErr)
	}
	result, err := pool.Do(c.Request.Context(), &job)
	if err != nil {
		return rpc.NewError(req.ID, scrapeError(err))
	}
	return rpc.NewResult(req.ID, result)
}

// mapMethod discovers links on one page: a scrape whose schema is a
// single whole-document links transform, post-filtered per the params.
func mapMethod(c *gin.Context, req *rpc.Request, pool *engine.WorkerPool) *rpc.Response {
	var params models.MapParams
	if rpcErr := req.Bind(&params); rpcErr != nil {
		return rpc.NewError(req.ID, rpcErr)
	}
	job := &models.ScrapeJob{
		URL:    params.URL,
		Schema: map[string]models.FieldRule{"links": {Transform: extract.TransformLinks}},
	}
	result, err := pool.Do(c.Request.Context(), job)
	if err != nil {
		return rpc.NewError(req.ID, scrapeError(err))
	}

	urls, _ := result.Records["links"].([]string)
	if params.SameOrigin {
		urls = extract.SameOrigin(urls, params.URL)
	}
	total := len(urls)
	limit := params.Limit
	if limit <= 0 {
		limit = defaultMapLimit
	}
	if len(urls) > limit {
		urls = urls[:limit]
	}
	return rpc.NewResult(req.ID, &models.MapResult{URLs: urls, Total: total})
}

func batchSubmitMethod(req *rpc.Request, batches *batch.Manager) *rpc.Response {
	var params models.BatchParams
	if rpcErr := req.Bind(&params); rpcErr != nil {
		return rpc.NewError(req.ID, rpcErr)
	}
	accepted, err := batches.Submit(&params)
	if err != nil {
		return rpc.NewError(req.ID, scrapeError(err))
	}
	return rpc.NewResult(req.ID, accepted)
}

type batchStatusParams struct {
	ID string `json:"batchId"`
}

func batchStatusMethod(req *rpc.Request, batches *batch.Manager) *rpc.Response {
	var params batchStatusParams
	if rpcErr := req.Bind(&params); rpcErr != nil {
		return rpc.NewError(req.ID, rpcErr)
	}
	if params.ID == "" {
		return rpc.NewError(req.ID, rpc.Errorf(rpc.CodeInvalidParams, "batchId is required"))
	}
	status, ok := batches.Get(params.ID)
	if !ok {
		return rpc.NewError(req.ID, rpc.Errorf(rpc.CodeInvalidParams, "unknown batch %q", params.ID))
	}
	return rpc.NewResult(req.ID, status)
}

// scrapeError shapes a typed failure into the RPC error object.
// Rejections raised before any fetch (bad URL, bad schema, bad batch)
// are the caller's fault and map to invalid params; everything else is
// a scrape failure with the taxonomy detail in error.data.
func scrapeError(err error) *rpc.Error {
	detail := models.AsDetail(err)
	code := rpc.CodeScrapeFailed
	switch detail.Code {
	case models.ErrCodeProtocol, models.ErrCodeSchemaMismatch:
		code = rpc.CodeInvalidParams
	}
	return &rpc.Error{Code: code, Message: detail.Message, Data: detail}
}
