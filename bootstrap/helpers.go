package bootstrap

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/aws/aws-sdk-go/aws/awserr"
)

// ClassifyAWSError turns a failure of an AWS call made during startup into a
// message with remediation hints.
func ClassifyAWSError(err error, service string) string {
	if err == nil {
		return ""
	}

	var aerr awserr.Error
	if errors.As(err, &aerr) {
		switch aerr.Code() {
		case "NoCredentialProviders":
			return fmt.Sprintf("No AWS credentials found for %s.\n"+
				"  Remediation:\n"+
				"  - Export AWS_ACCESS_KEY_ID and AWS_SECRET_ACCESS_KEY, or AWS_PROFILE\n"+
				"  - When running on AWS, attach an IAM role to the instance or task", service)
		case "ResourceNotFoundException":
			return fmt.Sprintf("%s resource not found: %s\n"+
				"  Remediation:\n"+
				"  - Verify store.dynamodb_table and aws.region in querywatch.yaml\n"+
				"  - The table must have start_date as hash key and start_timestamp as range key", service, aerr.Message())
		case "AccessDeniedException", "AccessDenied", "UnrecognizedClientException":
			return fmt.Sprintf("Access to %s denied: %s\n"+
				"  Remediation:\n"+
				"  - Check the IAM policy of the configured credentials", service, aerr.Message())
		case "RequestError":
			return fmt.Sprintf("Cannot reach %s: %v\n"+
				"  Remediation:\n"+
				"  - Check network connectivity and aws.endpoint\n"+
				"  - For localstack, make sure the container is running", service, aerr.OrigErr())
		}
	}

	return fmt.Sprintf("Failed to call %s: %v\n"+
		"  Remediation:\n"+
		"  - Check aws.region and aws.endpoint settings\n"+
		"  - Review the error message for specific details", service, err)
}

// ClassifySQLiteError provides specific error messages based on the type of SQLite failure.
func ClassifySQLiteError(err error, dbPath string) string {
	if err == nil {
		return ""
	}

	errStr := strings.ToLower(err.Error())
	absPath, _ := filepath.Abs(dbPath)
	parentDir := filepath.Dir(absPath)

	switch {
	case strings.Contains(errStr, "permission denied") || strings.Contains(errStr, "access denied"):
		return fmt.Sprintf("Permission denied accessing SQLite database at %s.\n"+
			"  Remediation:\n"+
			"  - Check file permissions: ls -la %s\n"+
			"  - Check directory permissions: ls -la %s\n"+
			"  - For Docker: Ensure the volume is mounted with proper user permissions",
			absPath, absPath, parentDir)

	case strings.Contains(errStr, "database is locked") || strings.Contains(errStr, "sqlite_busy"):
		return fmt.Sprintf("SQLite database at %s is locked by another process.\n"+
			"  Remediation:\n"+
			"  - Check for another querywatch instance: ps aux | grep querywatch\n"+
			"  - Check for lock files: ls -la %s*", absPath, absPath)

	case strings.Contains(errStr, "disk full") || strings.Contains(errStr, "no space") || strings.Contains(errStr, "sqlite_full"):
		return fmt.Sprintf("Disk full - cannot write to SQLite database at %s.\n"+
			"  Remediation:\n"+
			"  - Check available disk space: df -h %s", absPath, parentDir)

	case strings.Contains(errStr, "corrupt") || strings.Contains(errStr, "malformed"):
		return fmt.Sprintf("SQLite database at %s appears to be corrupted.\n"+
			"  Remediation:\n"+
			"  - Check integrity: sqlite3 %s \"PRAGMA integrity_check;\"\n"+
			"  - Queries are re-ingested from CloudTrail, so the file can be deleted as a last resort",
			absPath, absPath)

	case strings.Contains(errStr, "read-only"):
		return fmt.Sprintf("SQLite database location is on a read-only file system: %s.\n"+
			"  Remediation:\n"+
			"  - Move the database to a writable location via QUERYWATCH_STORE_SQLITE_PATH", absPath)
	}

	return fmt.Sprintf("Failed to initialize SQLite database at %s: %v\n"+
		"  Remediation:\n"+
		"  - Ensure the directory %s exists and is writable\n"+
		"  - Check disk space and permissions", absPath, err, parentDir)
}
