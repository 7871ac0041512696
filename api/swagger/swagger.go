package swagger

import "github.com/swaggo/swag"

const docTemplate = `{
    "swagger": "2.0",
    "info": {
        "title": "ClassDesk API",
        "description": "Versioned attachment and access-gated delivery service",
        "version": "1.0.0"
    },
    "basePath": "/api/v1",
    "schemes": [
        "http"
    ],
    "tags": [
        {"name": "Authentication", "description": "Login and session management"},
        {"name": "Subjects", "description": "Subject lifecycle and submission progress"},
        {"name": "Attachments", "description": "Version chains, downloads and reviews"}
    ],
    "paths": {
        "/health": {
            "get": {
                "summary": "Health check",
                "responses": {
                    "200": {"description": "OK"}
                }
            }
        },
        "/auth/login": {
            "post": {
                "tags": ["Authentication"],
                "summary": "Authenticate user",
                "responses": {
                    "200": {"description": "Tokens issued"},
                    "401": {"description": "Invalid credentials"}
                }
            }
        },
        "/subjects": {
            "get": {
                "tags": ["Subjects"],
                "summary": "List subjects visible to the actor",
                "responses": {
                    "200": {"description": "OK"}
                }
            },
            "post": {
                "tags": ["Subjects"],
                "summary": "Create a subject",
                "responses": {
                    "201": {"description": "Created"}
                }
            }
        },
        "/subjects/{id}/attachments": {
            "post": {
                "tags": ["Attachments"],
                "summary": "Upload a new attachment revision",
                "responses": {
                    "201": {"description": "Created"},
                    "403": {"description": "Subject not accepting submissions"}
                }
            }
        },
        "/attachments/{versionId}": {
            "get": {
                "tags": ["Attachments"],
                "summary": "Download a current revision",
                "responses": {
                    "200": {"description": "File"},
                    "404": {"description": "Unknown, replaced or hidden version"}
                }
            },
            "delete": {
                "tags": ["Attachments"],
                "summary": "Retire a revision and its dependent records",
                "responses": {
                    "200": {"description": "Retired count"},
                    "404": {"description": "Unknown, replaced or hidden version"}
                }
            }
        }
    },
    "definitions": {
        "APIError": {
            "type": "object",
            "properties": {
                "code": {"type": "string"},
                "message": {"type": "string"},
                "status": {"type": "integer"}
            }
        },
        "ResponseEnvelope": {
            "type": "object",
            "properties": {
                "data": {"type": "object"},
                "error": {"$ref": "#/definitions/APIError"},
                "meta": {"type": "object"}
            }
        }
    }
}`

type swaggerDoc struct{}

// ReadDoc returns the Swagger document.
func (s *swaggerDoc) ReadDoc() string {
	return docTemplate
}

func init() {
	swag.Register(swag.Name, &swaggerDoc{})
}
