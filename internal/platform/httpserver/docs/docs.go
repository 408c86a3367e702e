// Package docs holds the OpenAPI document served under /swagger/.
package docs

import "github.com/swaggo/swag"

const docTemplate = `{
    "schemes": {{ marshal .Schemes }},
    "swagger": "2.0",
    "info": {
        "description": "{{escape .Description}}",
        "title": "{{.Title}}",
        "contact": {},
        "version": "{{.Version}}"
    },
    "host": "{{.Host}}",
    "basePath": "{{.BasePath}}",
    "paths": {
        "/health": {
            "get": {
                "description": "Degraded when every backend breaker is open or memory accounting failed.",
                "produces": ["application/json"],
                "tags": ["edge-inference"],
                "summary": "Gateway health",
                "responses": {
                    "200": {"description": "OK", "schema": {"$ref": "#/definitions/httptransport.HealthResponse"}},
                    "503": {"description": "Service Unavailable", "schema": {"$ref": "#/definitions/httptransport.HealthResponse"}}
                }
            }
        },
        "/v1/mcp/completions": {
            "post": {
                "description": "Routes a completion to a local or remote backend. Returns the completion when dispatched synchronously, or a tracking id when queued.",
                "consumes": ["application/json"],
                "produces": ["application/json"],
                "tags": ["edge-inference"],
                "summary": "Submit an MCP completion",
                "parameters": [
                    {"type": "string", "description": "Idempotency key", "name": "Idempotency-Key", "in": "header"},
                    {"description": "Messages, generation parameters and routing fields", "name": "request", "in": "body", "required": true, "schema": {"$ref": "#/definitions/httptransport.CompletionRequest"}}
                ],
                "responses": {
                    "200": {"description": "OK", "schema": {"type": "object"}},
                    "202": {"description": "Accepted", "schema": {"$ref": "#/definitions/httptransport.QueuedResponse"}},
                    "400": {"description": "Bad Request", "schema": {"$ref": "#/definitions/httptransport.ErrorResponse"}},
                    "409": {"description": "Conflict", "schema": {"$ref": "#/definitions/httptransport.ErrorResponse"}},
                    "410": {"description": "Gone", "schema": {"$ref": "#/definitions/httptransport.ErrorResponse"}},
                    "503": {"description": "Service Unavailable", "schema": {"$ref": "#/definitions/httptransport.ErrorResponse"}}
                }
            }
        },
        "/v1/queue/status": {
            "get": {
                "description": "Returns queue depth by priority, oldest pending age and memory usage.",
                "produces": ["application/json"],
                "tags": ["edge-inference"],
                "summary": "Queue status",
                "responses": {
                    "200": {"description": "OK", "schema": {"$ref": "#/definitions/httptransport.QueueStatusResponse"}}
                }
            }
        },
        "/v1/requests/{request_id}": {
            "get": {
                "description": "Returns the state of a request, and its result once delivered, within the retention window.",
                "produces": ["application/json"],
                "tags": ["edge-inference"],
                "summary": "Request status",
                "parameters": [
                    {"type": "string", "description": "Request id", "name": "request_id", "in": "path", "required": true}
                ],
                "responses": {
                    "200": {"description": "OK", "schema": {"$ref": "#/definitions/httptransport.RequestStatusResponse"}},
                    "404": {"description": "Not Found", "schema": {"$ref": "#/definitions/httptransport.ErrorResponse"}}
                }
            }
        },
        "/v1/dead-letters": {
            "get": {
                "description": "Returns requests that exhausted their retries, most recent first.",
                "produces": ["application/json"],
                "tags": ["edge-inference"],
                "summary": "List dead letters",
                "parameters": [
                    {"type": "integer", "description": "Page size (max 1000)", "name": "limit", "in": "query"}
                ],
                "responses": {
                    "200": {"description": "OK", "schema": {"$ref": "#/definitions/httptransport.ListDeadLettersResponse"}}
                }
            }
        },
        "/v1/dead-letters/{request_id}/replay": {
            "post": {
                "description": "Resubmits a dead-lettered payload as a new request with a fresh attempt budget.",
                "produces": ["application/json"],
                "tags": ["edge-inference"],
                "summary": "Replay a dead letter",
                "parameters": [
                    {"type": "string", "description": "Dead-lettered request id", "name": "request_id", "in": "path", "required": true}
                ],
                "responses": {
                    "200": {"description": "OK", "schema": {"$ref": "#/definitions/httptransport.ReplayDeadLetterResponse"}},
                    "202": {"description": "Accepted", "schema": {"$ref": "#/definitions/httptransport.ReplayDeadLetterResponse"}},
                    "404": {"description": "Not Found", "schema": {"$ref": "#/definitions/httptransport.ErrorResponse"}},
                    "409": {"description": "Conflict", "schema": {"$ref": "#/definitions/httptransport.ErrorResponse"}},
                    "503": {"description": "Service Unavailable", "schema": {"$ref": "#/definitions/httptransport.ErrorResponse"}}
                }
            }
        }
    },
    "definitions": {
        "httptransport.BackendHealthDTO": {
            "type": "object",
            "properties": {
                "capacity": {"type": "integer"},
                "circuit": {"type": "string"},
                "consecutive_failures": {"type": "integer"},
                "in_flight": {"type": "integer"},
                "kind": {"type": "string"},
                "name": {"type": "string"}
            }
        },
        "httptransport.CompletionRequest": {
            "type": "object",
            "properties": {
                "affinity": {"type": "string"},
                "deadline_ms": {"type": "integer"},
                "priority": {"type": "string"}
            }
        },
        "httptransport.DeadLetterDTO": {
            "type": "object",
            "properties": {
                "attempt_count": {"type": "integer"},
                "backend": {"type": "string"},
                "dead_at": {"type": "string"},
                "last_error": {"type": "string"},
                "priority": {"type": "string"},
                "replayed_as": {"type": "string"},
                "request_id": {"type": "string"}
            }
        },
        "httptransport.ErrorResponse": {
            "type": "object",
            "properties": {
                "code": {"type": "string"},
                "message": {"type": "string"}
            }
        },
        "httptransport.HealthResponse": {
            "type": "object",
            "properties": {
                "accounting_tripped": {"type": "boolean"},
                "backends": {"type": "array", "items": {"$ref": "#/definitions/httptransport.BackendHealthDTO"}},
                "status": {"type": "string"}
            }
        },
        "httptransport.ListDeadLettersResponse": {
            "type": "object",
            "properties": {
                "items": {"type": "array", "items": {"$ref": "#/definitions/httptransport.DeadLetterDTO"}}
            }
        },
        "httptransport.QueueStatusResponse": {
            "type": "object",
            "properties": {
                "by_priority": {"type": "object", "additionalProperties": {"type": "integer"}},
                "dead_lettered": {"type": "integer"},
                "in_flight": {"type": "integer"},
                "max_entries": {"type": "integer"},
                "oldest_pending_age_seconds": {"type": "number"},
                "queue_size": {"type": "integer"},
                "resource_budget_bytes": {"type": "integer"},
                "resource_used_bytes": {"type": "integer"}
            }
        },
        "httptransport.QueuedResponse": {
            "type": "object",
            "properties": {
                "replayed": {"type": "boolean"},
                "request_id": {"type": "string"},
                "status": {"type": "string"},
                "status_url": {"type": "string"}
            }
        },
        "httptransport.ReplayDeadLetterResponse": {
            "type": "object",
            "properties": {
                "backend": {"type": "string"},
                "replay_of": {"type": "string"},
                "request_id": {"type": "string"},
                "status": {"type": "string"},
                "status_url": {"type": "string"}
            }
        },
        "httptransport.RequestStatusResponse": {
            "type": "object",
            "properties": {
                "attempt_count": {"type": "integer"},
                "backend": {"type": "string"},
                "created_at": {"type": "string"},
                "deadline": {"type": "string"},
                "last_error": {"type": "string"},
                "priority": {"type": "string"},
                "replay_of": {"type": "string"},
                "replayed_as": {"type": "string"},
                "request_id": {"type": "string"},
                "result": {"type": "object"},
                "state": {"type": "string"},
                "terminal_reason": {"type": "string"},
                "updated_at": {"type": "string"}
            }
        }
    }
}`

// SwaggerInfo holds exported Swagger Info so clients can modify it
var SwaggerInfo = &swag.Spec{
	Version:          "1.0",
	Host:             "",
	BasePath:         "/",
	Schemes:          []string{},
	Title:            "edgeway MCP inference gateway",
	Description:      "Priority-aware routing of MCP completions across local models and remote APIs.",
	InfoInstanceName: "swagger",
	SwaggerTemplate:  docTemplate,
	LeftDelim:        "{{",
	RightDelim:       "}}",
}

func init() {
	swag.Register(SwaggerInfo.InstanceName(), SwaggerInfo)
}
