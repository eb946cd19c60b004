// Package docs registers the ledger service OpenAPI document with swag.
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
        "/api/v1/emails": {
            "get": {
                "produces": ["application/json"],
                "tags": ["emails"],
                "summary": "List emails by status",
                "parameters": [
                    {"type": "string", "description": "Email status", "name": "status", "in": "query", "required": true},
                    {"type": "integer", "description": "Maximum records (default 100)", "name": "limit", "in": "query"}
                ],
                "responses": {
                    "200": {"description": "OK", "schema": {"type": "array", "items": {"$ref": "#/definitions/ledger.EmailRecord"}}},
                    "400": {"description": "Bad Request", "schema": {"$ref": "#/definitions/errors.ErrorResponse"}}
                }
            }
        },
        "/api/v1/emails/search": {
            "get": {
                "description": "Newest first. Dates are YYYY-MM-DD (to inclusive) or RFC3339 (to exclusive); range=Nd searches the last N days. Defaults to the last 30 days.",
                "produces": ["application/json"],
                "tags": ["emails"],
                "summary": "Search emails by send date and recipient",
                "parameters": [
                    {"type": "string", "description": "Start of the send window", "name": "from", "in": "query"},
                    {"type": "string", "description": "End of the send window", "name": "to", "in": "query"},
                    {"type": "string", "description": "Relative window such as 7d", "name": "range", "in": "query"},
                    {"type": "string", "description": "Recipient prefix", "name": "q", "in": "query"},
                    {"type": "integer", "description": "Maximum records (default 100)", "name": "limit", "in": "query"}
                ],
                "responses": {
                    "200": {"description": "OK", "schema": {"type": "array", "items": {"$ref": "#/definitions/ledger.EmailRecord"}}},
                    "400": {"description": "Bad Request", "schema": {"$ref": "#/definitions/errors.ErrorResponse"}}
                }
            }
        },
        "/api/v1/emails/{id}": {
            "get": {
                "description": "Returns the record with its full event timeline",
                "produces": ["application/json"],
                "tags": ["emails"],
                "summary": "Get an email record",
                "parameters": [
                    {"type": "string", "description": "Provider message id", "name": "id", "in": "path", "required": true}
                ],
                "responses": {
                    "200": {"description": "OK", "schema": {"$ref": "#/definitions/ledger.EmailRecord"}},
                    "404": {"description": "Not Found", "schema": {"$ref": "#/definitions/errors.ErrorResponse"}}
                }
            }
        },
        "/api/v1/groups/emails": {
            "get": {
                "produces": ["application/json"],
                "tags": ["groups"],
                "summary": "List the emails of a message group",
                "parameters": [
                    {"type": "string", "description": "Group key (subject|YYYY-MM-DD)", "name": "group_key", "in": "query", "required": true},
                    {"type": "string", "description": "Only members with this status", "name": "status", "in": "query"}
                ],
                "responses": {
                    "200": {"description": "OK", "schema": {"type": "array", "items": {"$ref": "#/definitions/ledger.EmailRecord"}}},
                    "400": {"description": "Bad Request", "schema": {"$ref": "#/definitions/errors.ErrorResponse"}}
                }
            }
        },
        "/api/v1/groups/stats": {
            "get": {
                "produces": ["application/json"],
                "tags": ["groups"],
                "summary": "Get message group counters and rates",
                "parameters": [
                    {"type": "string", "description": "Group key (subject|YYYY-MM-DD)", "name": "group_key", "in": "query", "required": true}
                ],
                "responses": {
                    "200": {"description": "OK", "schema": {"$ref": "#/definitions/aggregate.Snapshot"}},
                    "400": {"description": "Bad Request", "schema": {"$ref": "#/definitions/errors.ErrorResponse"}}
                }
            }
        },
        "/api/v1/groups/reconcile": {
            "post": {
                "description": "Reconciles one group, or every group when group_key is omitted",
                "produces": ["application/json"],
                "tags": ["groups"],
                "summary": "Recompute group counters from member statuses",
                "parameters": [
                    {"type": "string", "description": "Group key (subject|YYYY-MM-DD)", "name": "group_key", "in": "query"}
                ],
                "responses": {
                    "200": {"description": "OK", "schema": {"type": "array", "items": {"$ref": "#/definitions/aggregate.ReconcileResult"}}},
                    "500": {"description": "Internal Server Error", "schema": {"$ref": "#/definitions/errors.ErrorResponse"}}
                }
            }
        },
        "/api/v1/stats": {
            "get": {
                "description": "Dates are YYYY-MM-DD, both inclusive; range=Nd covers the last N days. Defaults to the last 30 days.",
                "produces": ["application/json"],
                "tags": ["groups"],
                "summary": "Totals and rates over every group sent in a date range",
                "parameters": [
                    {"type": "string", "description": "First sent date", "name": "from", "in": "query"},
                    {"type": "string", "description": "Last sent date", "name": "to", "in": "query"},
                    {"type": "string", "description": "Relative window such as 7d", "name": "range", "in": "query"}
                ],
                "responses": {
                    "200": {"description": "OK", "schema": {"$ref": "#/definitions/aggregate.RangeSummary"}},
                    "400": {"description": "Bad Request", "schema": {"$ref": "#/definitions/errors.ErrorResponse"}}
                }
            }
        },
        "/api/v1/enrichment/enqueue": {
            "post": {
                "consumes": ["application/json"],
                "produces": ["application/json"],
                "tags": ["enrichment"],
                "summary": "Queue a bounced event for reason enrichment",
                "parameters": [
                    {"description": "Bounced event", "name": "request", "in": "body", "required": true, "schema": {"$ref": "#/definitions/api.EnqueueRequest"}}
                ],
                "responses": {
                    "202": {"description": "Accepted", "schema": {"$ref": "#/definitions/enrichment.Candidate"}},
                    "400": {"description": "Bad Request", "schema": {"$ref": "#/definitions/errors.ErrorResponse"}},
                    "503": {"description": "Service Unavailable", "schema": {"$ref": "#/definitions/errors.ErrorResponse"}}
                }
            }
        },
        "/webhooks/brevo": {
            "post": {
                "description": "Normalizes one transactional webhook event and records it in the ledger",
                "consumes": ["application/json"],
                "produces": ["application/json"],
                "tags": ["webhooks"],
                "summary": "Receive a Brevo webhook",
                "responses": {
                    "200": {"description": "OK", "schema": {"type": "object", "additionalProperties": true}},
                    "400": {"description": "Bad Request", "schema": {"$ref": "#/definitions/errors.ErrorResponse"}},
                    "413": {"description": "Request Entity Too Large", "schema": {"$ref": "#/definitions/errors.ErrorResponse"}},
                    "422": {"description": "Unprocessable Entity", "schema": {"$ref": "#/definitions/errors.ErrorResponse"}}
                }
            }
        }
    },
    "definitions": {
        "errors.ErrorResponse": {
            "type": "object",
            "properties": {
                "error": {"type": "string"},
                "error_code": {"type": "string"},
                "details": {"type": "object", "additionalProperties": true}
            }
        },
        "events.Event": {
            "type": "object",
            "properties": {
                "type": {"type": "string"},
                "timestamp": {"type": "string", "format": "date-time"},
                "extra": {"type": "object", "additionalProperties": true},
                "unclassified": {"type": "boolean"},
                "seq": {"type": "integer"}
            }
        },
        "ledger.EmailRecord": {
            "type": "object",
            "properties": {
                "external_id": {"type": "string"},
                "recipient": {"type": "string"},
                "group_key": {"type": "string"},
                "sent_at": {"type": "string", "format": "date-time"},
                "events": {"type": "array", "items": {"$ref": "#/definitions/events.Event"}},
                "status": {"type": "string"},
                "version": {"type": "integer"},
                "created_at": {"type": "string", "format": "date-time"},
                "updated_at": {"type": "string", "format": "date-time"}
            }
        },
        "ledger.EventRef": {
            "type": "object",
            "properties": {
                "external_id": {"type": "string"},
                "type": {"type": "string"},
                "timestamp": {"type": "string", "format": "date-time"}
            }
        },
        "status.Counters": {
            "type": "object",
            "properties": {
                "total_sent": {"type": "integer"},
                "total_delivered": {"type": "integer"},
                "total_opened": {"type": "integer"},
                "total_clicked": {"type": "integer"},
                "total_bounced": {"type": "integer"},
                "total_blocked": {"type": "integer"}
            }
        },
        "aggregate.Snapshot": {
            "type": "object",
            "properties": {
                "group_key": {"type": "string"},
                "subject": {"type": "string"},
                "sent_date": {"type": "string"},
                "total_sent": {"type": "integer"},
                "total_delivered": {"type": "integer"},
                "total_opened": {"type": "integer"},
                "total_clicked": {"type": "integer"},
                "total_bounced": {"type": "integer"},
                "total_blocked": {"type": "integer"},
                "delivery_rate": {"type": "number"},
                "open_rate": {"type": "number"},
                "click_rate": {"type": "number"},
                "click_to_open_rate": {"type": "number"},
                "computed_at": {"type": "string", "format": "date-time"}
            }
        },
        "aggregate.RangeSummary": {
            "type": "object",
            "properties": {
                "from": {"type": "string"},
                "to": {"type": "string"},
                "groups": {"type": "integer"},
                "total_sent": {"type": "integer"},
                "total_delivered": {"type": "integer"},
                "total_opened": {"type": "integer"},
                "total_clicked": {"type": "integer"},
                "total_bounced": {"type": "integer"},
                "total_blocked": {"type": "integer"},
                "delivery_rate": {"type": "number"},
                "open_rate": {"type": "number"},
                "click_rate": {"type": "number"},
                "click_to_open_rate": {"type": "number"}
            }
        },
        "aggregate.ReconcileResult": {
            "type": "object",
            "properties": {
                "group_key": {"type": "string"},
                "before": {"$ref": "#/definitions/status.Counters"},
                "after": {"$ref": "#/definitions/status.Counters"},
                "drift": {"$ref": "#/definitions/status.Counters"},
                "corrected": {"type": "boolean"}
            }
        },
        "api.EnqueueRequest": {
            "type": "object",
            "required": ["external_id", "timestamp"],
            "properties": {
                "external_id": {"type": "string"},
                "timestamp": {"type": "string", "format": "date-time"}
            }
        },
        "enrichment.Candidate": {
            "type": "object",
            "properties": {
                "ref": {"$ref": "#/definitions/ledger.EventRef"},
                "state": {"type": "string"},
                "attempts": {"type": "integer"},
                "reason": {"type": "string"},
                "last_error": {"type": "string"},
                "updated_at": {"type": "string", "format": "date-time"}
            }
        }
    }
}`

// SwaggerInfo holds exported Swagger Info so clients can modify it
var SwaggerInfo = &swag.Spec{
	Version:          "1.0",
	Host:             "localhost:8080",
	BasePath:         "/",
	Schemes:          []string{"http", "https"},
	Title:            "Mailtrail Ledger Service API",
	Description:      "Delivery-lifecycle ledger for transactional email: webhook intake, record and group queries, reconciliation and bounce enrichment.",
	InfoInstanceName: "swagger",
	SwaggerTemplate:  docTemplate,
	LeftDelim:        "{{",
	RightDelim:       "}}",
}

func init() {
	swag.Register(SwaggerInfo.InstanceName(), SwaggerInfo)
}
