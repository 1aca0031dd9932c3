// Package docs registers the OpenAPI description served under /swagger.
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
                "description": "Creates the job record (pending) and dispatches its first stage.",
                "consumes": ["application/json"],
                "produces": ["application/json"],
                "tags": ["jobs"],
                "summary": "Submit a generation job",
                "parameters": [
                    {
                        "description": "job payload",
                        "name": "request",
                        "in": "body",
                        "required": true,
                        "schema": {"$ref": "#/definitions/httptransport.createJobDTO"}
                    }
                ],
                "responses": {
                    "201": {"description": "Created", "schema": {"$ref": "#/definitions/httptransport.createJobResp"}},
                    "400": {"description": "Bad Request", "schema": {"$ref": "#/definitions/httptransport.apiError"}},
                    "500": {"description": "Internal Server Error", "schema": {"$ref": "#/definitions/httptransport.apiError"}}
                }
            }
        },
        "/jobs/{id}": {
            "get": {
                "produces": ["application/json"],
                "tags": ["jobs"],
                "summary": "Get job by id",
                "parameters": [
                    {"type": "string", "description": "job id (uuid)", "name": "id", "in": "path", "required": true}
                ],
                "responses": {
                    "200": {"description": "OK", "schema": {"$ref": "#/definitions/httptransport.jobResp"}},
                    "400": {"description": "Bad Request", "schema": {"$ref": "#/definitions/httptransport.apiError"}},
                    "404": {"description": "Not Found", "schema": {"$ref": "#/definitions/httptransport.apiError"}}
                }
            }
        },
        "/jobs/{id}/result": {
            "get": {
                "produces": ["application/json"],
                "tags": ["jobs"],
                "summary": "Get the final package of a completed job",
                "parameters": [
                    {"type": "string", "description": "job id (uuid)", "name": "id", "in": "path", "required": true}
                ],
                "responses": {
                    "200": {"description": "OK", "schema": {"type": "object", "additionalProperties": true}},
                    "400": {"description": "Bad Request", "schema": {"$ref": "#/definitions/httptransport.apiError"}},
                    "404": {"description": "Not Found", "schema": {"$ref": "#/definitions/httptransport.apiError"}},
                    "409": {"description": "Conflict", "schema": {"$ref": "#/definitions/httptransport.apiError"}}
                }
            }
        },
        "/jobs/{id}/edits": {
            "post": {
                "description": "Re-runs the stage in edit mode when it already has output and is idle.",
                "consumes": ["application/json"],
                "produces": ["application/json"],
                "tags": ["jobs"],
                "summary": "Queue an edit instruction for a stage",
                "parameters": [
                    {"type": "string", "description": "job id (uuid)", "name": "id", "in": "path", "required": true},
                    {
                        "description": "edit instruction",
                        "name": "request",
                        "in": "body",
                        "required": true,
                        "schema": {"$ref": "#/definitions/httptransport.editDTO"}
                    }
                ],
                "responses": {
                    "202": {"description": "Accepted", "schema": {"$ref": "#/definitions/httptransport.editResp"}},
                    "400": {"description": "Bad Request", "schema": {"$ref": "#/definitions/httptransport.apiError"}},
                    "404": {"description": "Not Found", "schema": {"$ref": "#/definitions/httptransport.apiError"}},
                    "409": {"description": "Conflict", "schema": {"$ref": "#/definitions/httptransport.apiError"}}
                }
            }
        },
        "/jobs/{id}/retry": {
            "post": {
                "produces": ["application/json"],
                "tags": ["jobs"],
                "summary": "Re-open a failed job at the step that failed",
                "parameters": [
                    {"type": "string", "description": "job id (uuid)", "name": "id", "in": "path", "required": true}
                ],
                "responses": {
                    "202": {"description": "Accepted"},
                    "400": {"description": "Bad Request", "schema": {"$ref": "#/definitions/httptransport.apiError"}},
                    "404": {"description": "Not Found", "schema": {"$ref": "#/definitions/httptransport.apiError"}},
                    "409": {"description": "Conflict", "schema": {"$ref": "#/definitions/httptransport.apiError"}}
                }
            }
        },
        "/jobs/{id}/events": {
            "get": {
                "description": "Server-sent events: the recorded progress log, then live events until the job ends.",
                "produces": ["text/event-stream"],
                "tags": ["jobs"],
                "summary": "Stream job progress",
                "parameters": [
                    {"type": "string", "description": "job id (uuid)", "name": "id", "in": "path", "required": true}
                ],
                "responses": {
                    "200": {"description": "OK"},
                    "400": {"description": "Bad Request", "schema": {"$ref": "#/definitions/httptransport.apiError"}},
                    "404": {"description": "Not Found", "schema": {"$ref": "#/definitions/httptransport.apiError"}}
                }
            }
        },
        "/internal/stages/complete": {
            "post": {
                "consumes": ["application/json"],
                "tags": ["internal"],
                "summary": "Stage runner completion callback",
                "parameters": [
                    {
                        "description": "completion signal",
                        "name": "request",
                        "in": "body",
                        "required": true,
                        "schema": {"$ref": "#/definitions/entity.CompletionSignal"}
                    }
                ],
                "responses": {
                    "204": {"description": "No Content"},
                    "400": {"description": "Bad Request", "schema": {"$ref": "#/definitions/httptransport.apiError"}},
                    "404": {"description": "Not Found", "schema": {"$ref": "#/definitions/httptransport.apiError"}}
                }
            }
        }
    },
    "definitions": {
        "entity.CompletionSignal": {
            "type": "object",
            "properties": {
                "attempts": {"type": "integer"},
                "error": {"type": "string"},
                "fragment": {"type": "object"},
                "job_id": {"type": "string"},
                "stage": {"type": "string"},
                "strategy": {"type": "string"},
                "success": {"type": "boolean"},
                "token": {"type": "string"}
            }
        },
        "httptransport.apiError": {
            "type": "object",
            "properties": {
                "message": {"type": "string"}
            }
        },
        "httptransport.createJobDTO": {
            "type": "object",
            "properties": {
                "hints": {"type": "object", "additionalProperties": {"type": "string"}},
                "model_selection": {"type": "object", "additionalProperties": {"type": "string"}},
                "owner_id": {"type": "string"},
                "prompt": {"type": "string"}
            }
        },
        "httptransport.createJobResp": {
            "type": "object",
            "properties": {
                "id": {"type": "string"}
            }
        },
        "httptransport.editDTO": {
            "type": "object",
            "properties": {
                "instruction": {"type": "string"},
                "priority": {"type": "integer"},
                "stage": {"type": "string"},
                "type": {"type": "string"}
            }
        },
        "httptransport.editResp": {
            "type": "object",
            "properties": {
                "id": {"type": "string"}
            }
        },
        "httptransport.jobResp": {
            "type": "object",
            "properties": {
                "created_at": {"type": "string"},
                "current_step": {"type": "string"},
                "edit_queue": {"type": "object"},
                "failure": {"type": "object"},
                "id": {"type": "string"},
                "input": {"type": "object"},
                "model_selection": {"type": "object", "additionalProperties": {"type": "string"}},
                "owner_id": {"type": "string"},
                "progress_log": {"type": "array", "items": {"type": "object"}},
                "running": {"type": "object"},
                "stage_outputs": {"type": "object"},
                "status": {"type": "string"},
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
	Title:            "Pipeline Orchestrator API",
	Description:      "Multi-stage generation jobs: submit, follow progress, edit stages, fetch the final package.",
	InfoInstanceName: "swagger",
	SwaggerTemplate:  docTemplate,
	LeftDelim:        "{{",
	RightDelim:       "}}",
}

func init() {
	swag.Register(SwaggerInfo.InstanceName(), SwaggerInfo)
}
