// Package docs registers the OpenAPI 2.0 document served at /swagger/doc.json.
// The document is maintained by hand alongside the handler annotations in
// cmd/reportpay and internal/http/handlers; keep both in step when routes
// change.
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
        "/jobs": {
            "post": {
                "description": "Creates a pending job and returns immediately. Follow progress on the returned progress_url.",
                "consumes": ["application/json"],
                "produces": ["application/json"],
                "tags": ["Jobs"],
                "summary": "Start report fulfillment",
                "operationId": "startJob",
                "parameters": [
                    {"type": "string", "description": "Idempotency key", "name": "Idempotency-Key", "in": "header"},
                    {"description": "Subject", "name": "body", "in": "body", "required": true, "schema": {"$ref": "#/definitions/handlers.StartJobRequest"}}
                ],
                "responses": {
                    "202": {"description": "Accepted", "schema": {"$ref": "#/definitions/handlers.JobAccepted"}},
                    "400": {"description": "Empty subject or unpaid charge", "schema": {"$ref": "#/definitions/handlers.ErrorResponse"}},
                    "404": {"description": "Charge not found", "schema": {"$ref": "#/definitions/handlers.ErrorResponse"}},
                    "409": {"description": "Idempotency key reused", "schema": {"$ref": "#/definitions/handlers.ErrorResponse"}},
                    "503": {"description": "Shutting down", "schema": {"$ref": "#/definitions/handlers.ErrorResponse"}}
                }
            }
        },
        "/jobs/{id}": {
            "get": {
                "produces": ["application/json"],
                "tags": ["Jobs"],
                "summary": "Get a job snapshot",
                "operationId": "getJob",
                "parameters": [
                    {"type": "string", "description": "Job ID", "name": "id", "in": "path", "required": true}
                ],
                "responses": {
                    "200": {"description": "OK", "schema": {"$ref": "#/definitions/domain.Job"}},
                    "404": {"description": "Job not found or expired", "schema": {"$ref": "#/definitions/handlers.ErrorResponse"}}
                }
            }
        },
        "/jobs/{id}/events": {
            "get": {
                "description": "Server-Sent Events carrying progress until the job completes or fails.",
                "produces": ["text/event-stream"],
                "tags": ["Jobs"],
                "summary": "Stream job progress",
                "operationId": "streamJob",
                "parameters": [
                    {"type": "string", "description": "Job ID", "name": "id", "in": "path", "required": true}
                ],
                "responses": {
                    "200": {"description": "OK", "schema": {"$ref": "#/definitions/domain.ProgressEvent"}}
                }
            }
        },
        "/payments": {
            "post": {
                "description": "Charges immediately (mode=direct) or places a hold (mode=authorization). Requests with the same Idempotency-Key return the stored outcome. A paid charge with a subject starts report fulfillment.",
                "consumes": ["application/json"],
                "produces": ["application/json"],
                "tags": ["Payments"],
                "summary": "Charge or authorize a payment",
                "operationId": "createPayment",
                "parameters": [
                    {"type": "string", "example": "order-7f3a-attempt", "description": "Idempotency key", "name": "Idempotency-Key", "in": "header"},
                    {"description": "Payment", "name": "body", "in": "body", "required": true, "schema": {"$ref": "#/definitions/handlers.CreatePaymentRequest"}}
                ],
                "responses": {
                    "201": {"description": "Created", "schema": {"$ref": "#/definitions/handlers.PaymentResponse"}},
                    "400": {"description": "Invalid input", "schema": {"$ref": "#/definitions/handlers.ErrorResponse"}},
                    "402": {"description": "Declined", "schema": {"$ref": "#/definitions/handlers.ErrorResponse"}},
                    "409": {"description": "Idempotency key reused", "schema": {"$ref": "#/definitions/handlers.ErrorResponse"}},
                    "503": {"description": "Processor unavailable", "schema": {"$ref": "#/definitions/handlers.ErrorResponse"}},
                    "504": {"description": "Outcome unknown; retry with the same key", "schema": {"$ref": "#/definitions/handlers.ErrorResponse"}}
                }
            }
        },
        "/payments/verification/complete": {
            "post": {
                "consumes": ["application/json"],
                "produces": ["application/json"],
                "tags": ["Payments"],
                "summary": "Complete step-up verification",
                "operationId": "completeVerification",
                "parameters": [
                    {"description": "Correlation", "name": "body", "in": "body", "required": true, "schema": {"$ref": "#/definitions/handlers.CompleteVerificationRequest"}}
                ],
                "responses": {
                    "200": {"description": "OK", "schema": {"$ref": "#/definitions/handlers.PaymentResponse"}},
                    "400": {"description": "Missing correlation id", "schema": {"$ref": "#/definitions/handlers.ErrorResponse"}},
                    "402": {"description": "Verification failed", "schema": {"$ref": "#/definitions/handlers.ErrorResponse"}},
                    "404": {"description": "Charge not found", "schema": {"$ref": "#/definitions/handlers.ErrorResponse"}},
                    "503": {"description": "Processor unavailable", "schema": {"$ref": "#/definitions/handlers.ErrorResponse"}}
                }
            }
        },
        "/payments/{id}": {
            "get": {
                "produces": ["application/json"],
                "tags": ["Payments"],
                "summary": "Get a charge",
                "operationId": "getPayment",
                "parameters": [
                    {"type": "string", "description": "Charge ID", "name": "id", "in": "path", "required": true}
                ],
                "responses": {
                    "200": {"description": "OK", "schema": {"$ref": "#/definitions/domain.Charge"}},
                    "404": {"description": "Charge not found", "schema": {"$ref": "#/definitions/handlers.ErrorResponse"}}
                }
            }
        },
        "/payments/{id}/capture": {
            "post": {
                "consumes": ["application/json"],
                "produces": ["application/json"],
                "tags": ["Payments"],
                "summary": "Capture a hold",
                "operationId": "capturePayment",
                "parameters": [
                    {"type": "string", "description": "Idempotency key", "name": "Idempotency-Key", "in": "header"},
                    {"type": "string", "description": "Charge ID", "name": "id", "in": "path", "required": true},
                    {"description": "Partial amount", "name": "body", "in": "body", "schema": {"$ref": "#/definitions/handlers.CaptureRequest"}}
                ],
                "responses": {
                    "200": {"description": "OK", "schema": {"$ref": "#/definitions/handlers.PaymentResponse"}},
                    "400": {"description": "Amount exceeds hold or charge not capturable", "schema": {"$ref": "#/definitions/handlers.ErrorResponse"}},
                    "404": {"description": "Charge not found", "schema": {"$ref": "#/definitions/handlers.ErrorResponse"}},
                    "503": {"description": "Processor unavailable", "schema": {"$ref": "#/definitions/handlers.ErrorResponse"}}
                }
            }
        },
        "/payments/{id}/release": {
            "post": {
                "produces": ["application/json"],
                "tags": ["Payments"],
                "summary": "Release a hold",
                "operationId": "releasePayment",
                "parameters": [
                    {"type": "string", "description": "Idempotency key", "name": "Idempotency-Key", "in": "header"},
                    {"type": "string", "description": "Charge ID", "name": "id", "in": "path", "required": true}
                ],
                "responses": {
                    "200": {"description": "OK", "schema": {"$ref": "#/definitions/handlers.PaymentResponse"}},
                    "400": {"description": "Charge not releasable", "schema": {"$ref": "#/definitions/handlers.ErrorResponse"}},
                    "404": {"description": "Charge not found", "schema": {"$ref": "#/definitions/handlers.ErrorResponse"}},
                    "503": {"description": "Processor unavailable", "schema": {"$ref": "#/definitions/handlers.ErrorResponse"}}
                }
            }
        },
        "/payments/{id}/verification": {
            "get": {
                "produces": ["application/json"],
                "tags": ["Payments"],
                "summary": "Refresh verification state",
                "operationId": "getVerification",
                "parameters": [
                    {"type": "string", "description": "Charge ID", "name": "id", "in": "path", "required": true}
                ],
                "responses": {
                    "200": {"description": "OK", "schema": {"$ref": "#/definitions/domain.Charge"}},
                    "404": {"description": "Charge not found", "schema": {"$ref": "#/definitions/handlers.ErrorResponse"}},
                    "503": {"description": "Processor unavailable", "schema": {"$ref": "#/definitions/handlers.ErrorResponse"}}
                }
            }
        },
        "/reports/{name}": {
            "get": {
                "produces": ["text/html"],
                "tags": ["Reports"],
                "summary": "Fetch a rendered report",
                "operationId": "getReport",
                "parameters": [
                    {"type": "string", "example": "5b0c7f2e-8d0a-4c55-9d55-3f1c2a6a1d10.html", "description": "Report file name", "name": "name", "in": "path", "required": true},
                    {"type": "boolean", "description": "Send as attachment", "name": "download", "in": "query"}
                ],
                "responses": {
                    "200": {"description": "HTML document", "schema": {"type": "string"}},
                    "404": {"description": "Report not found", "schema": {"$ref": "#/definitions/handlers.ErrorResponse"}}
                }
            }
        }
    },
    "definitions": {
        "domain.Charge": {
            "type": "object",
            "properties": {
                "id": {"type": "string"},
                "amount": {"type": "integer"},
                "currency": {"type": "string"},
                "mode": {"type": "string", "enum": ["direct", "authorization"]},
                "status": {"type": "string", "enum": ["created", "verification_pending", "authorized", "captured", "released", "failed"]},
                "verification_status": {"type": "string", "enum": ["none", "unverified", "verified", "unknown"]},
                "captured_amount": {"type": "integer"},
                "paid": {"type": "boolean"},
                "captured": {"type": "boolean"},
                "description": {"type": "string"},
                "failure_code": {"type": "string"},
                "failure_message": {"type": "string"},
                "created_at": {"type": "string"},
                "updated_at": {"type": "string"}
            }
        },
        "domain.Job": {
            "type": "object",
            "properties": {
                "id": {"type": "string"},
                "status": {"type": "string", "enum": ["pending", "processing", "completed", "error"]},
                "progress": {"type": "number"},
                "message": {"type": "string"},
                "subject": {"type": "object", "additionalProperties": {"type": "string"}},
                "result_location": {"type": "string"},
                "error_detail": {"type": "string"},
                "degraded": {"type": "boolean"},
                "charge_id": {"type": "string"},
                "charge_mode": {"type": "string"},
                "created_at": {"type": "string"},
                "updated_at": {"type": "string"}
            }
        },
        "domain.ProgressEvent": {
            "type": "object",
            "properties": {
                "type": {"type": "string"},
                "job_id": {"type": "string"},
                "status": {"type": "string"},
                "progress": {"type": "number"},
                "message": {"type": "string"},
                "result_location": {"type": "string"},
                "error_detail": {"type": "string"},
                "degraded": {"type": "boolean"},
                "timestamp": {"type": "string"}
            }
        },
        "handlers.CaptureRequest": {
            "type": "object",
            "properties": {
                "amount": {"description": "Amount in minor units; zero or absent captures the full hold.", "type": "integer", "example": 4900}
            }
        },
        "handlers.CompleteVerificationRequest": {
            "type": "object",
            "properties": {
                "correlation_id": {"type": "string", "example": "ch_5b0c7f2e8d0a"}
            }
        },
        "handlers.CreatePaymentRequest": {
            "type": "object",
            "properties": {
                "token": {"description": "Token is the single-use payment instrument from the client-side SDK.", "type": "string", "example": "tok_visa_4242"},
                "amount": {"type": "integer", "example": 4900},
                "currency": {"type": "string", "example": "usd"},
                "mode": {"description": "Mode is \"direct\" (default) or \"authorization\".", "type": "string", "enum": ["direct", "authorization"], "example": "authorization"},
                "require_verification": {"type": "boolean"},
                "description": {"type": "string", "example": "Annual outlook report"},
                "metadata": {"type": "object", "additionalProperties": {"type": "string"}},
                "subject": {"description": "Subject describes the report to produce once the payment succeeds.", "type": "object", "additionalProperties": {"type": "string"}}
            }
        },
        "handlers.ErrorResponse": {
            "type": "object",
            "properties": {
                "request_id": {"type": "string", "example": "123e4567-e89b-12d3-a456-426614174000"},
                "code": {"type": "string", "example": "payment_declined"},
                "message": {"type": "string", "example": "card_declined: Your card was declined."}
            }
        },
        "handlers.JobAccepted": {
            "type": "object",
            "properties": {
                "job_id": {"type": "string", "example": "5b0c7f2e-8d0a-4c55-9d55-3f1c2a6a1d10"},
                "status": {"type": "string", "example": "pending"},
                "progress_url": {"type": "string", "example": "/api/v1/jobs/5b0c7f2e-8d0a-4c55-9d55-3f1c2a6a1d10/events"},
                "replayed": {"type": "boolean"}
            }
        },
        "handlers.PaymentResponse": {
            "type": "object",
            "properties": {
                "charge": {"$ref": "#/definitions/domain.Charge"},
                "correlation_id": {"description": "CorrelationID is present while step-up verification is pending.", "type": "string"},
                "job": {"description": "Job is present when the payment started report fulfillment.", "$ref": "#/definitions/handlers.JobAccepted"}
            }
        },
        "handlers.StartJobRequest": {
            "type": "object",
            "properties": {
                "subject": {"type": "object", "additionalProperties": {"type": "string"}},
                "charge_id": {"description": "ChargeID links the job to a paid charge; the charge must be captured or authorized.", "type": "string", "example": "ch_5b0c7f2e8d0a"}
            }
        }
    }
}`

// SwaggerInfo holds exported Swagger Info so clients can modify it
var SwaggerInfo = &swag.Spec{
	Version:          "1.0",
	Host:             "",
	BasePath:         "/api/v1",
	Schemes:          []string{},
	Title:            "Report Checkout API",
	Description:      "Paid report checkout: payment orchestration with idempotent retries and an asynchronous report fulfillment pipeline.",
	InfoInstanceName: "swagger",
	SwaggerTemplate:  docTemplate,
	LeftDelim:        "{{",
	RightDelim:       "}}",
}

func init() {
	swag.Register(SwaggerInfo.InstanceName(), SwaggerInfo)
}
