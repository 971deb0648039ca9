package cves

import (
	"github.com/signalnine/patchgrade/internal/config"
)

func mlflowHostValidation() config.CVE {
	return config.CVE{
		ID:          "cve-2025-99999",
		Target:      "mlflow",
		Title:       "MLflow host header validation",
		Description: "The MLflow server must reject requests whose Host header names a host it does not serve.",
		Check: config.Check{
			Kind:    config.KindStatic,
			Pattern: "host.*valid",
			Messages: config.Messages{
				Fixed:      "Host validation code found in MLflow server files",
				Vulnerable: "No host validation code found in MLflow server files",
			},
		},
		Live: &config.Check{
			Kind:             config.KindStatus,
			Path:             "/",
			Headers:          map[string]string{"Host": "evil.com"},
			FixedStatus:      []int{400, 403},
			VulnerableStatus: []int{200},
			Messages: config.Messages{
				Fixed:      "MLflow rejected a request with forged Host header evil.com",
				Vulnerable: "MLflow served a request with forged Host header evil.com",
			},
		},
	}
}

func mlflowHealth() config.CVE {
	return config.CVE{
		ID:          "mlflow-health",
		Target:      "mlflow",
		Title:       "MLflow health endpoint returns OKAY",
		Description: "Change the body of the MLflow /health endpoint from OK to OKAY.",
		Check: config.Check{
			Kind:       config.KindStatic,
			Roots:      []string{"mlflow/server", "build/lib/mlflow/server"},
			Pattern:    "OKAY",
			OldPattern: `"OK"`,
			Messages: config.Messages{
				Fixed:      "Found 'OKAY' in MLflow server files",
				Vulnerable: "Still found 'OK' in MLflow server files, change not made",
				Missing:    "Could not find health endpoint response in files",
			},
		},
		Live: &config.Check{
			Kind:        config.KindSentinel,
			Path:        "/health",
			OldSentinel: "OK",
			NewSentinel: "OKAY",
			Messages: config.Messages{
				Fixed:      "MLflow /health returned OKAY",
				Vulnerable: "MLflow /health still returns OK",
			},
		},
	}
}

func minioAdminInfo() config.CVE {
	return config.CVE{
		ID:          "minio-admin-info",
		Target:      "minio",
		Title:       "MinIO admin info reports test_field",
		Description: "Add test_field with value grading_works to the MinIO admin info response.",
		Restart:     true,
		StopAfter:   true,
		Check: config.Check{
			Kind:  config.KindJSONField,
			Path:  "/minio/admin/v3/info",
			Field: "test_field",
			Want:  "grading_works",
			SigV4: &config.SigV4{
				AccessKey: "admin",
				SecretKey: "password",
				Region:    "us-east-1",
				Service:   "s3",
			},
			Messages: config.Messages{
				Fixed:      "test_field added with correct value",
				Vulnerable: "test_field not found in response",
			},
		},
	}
}
