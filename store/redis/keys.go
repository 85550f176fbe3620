package redis

// Redis key naming conventions for pipeline data.
// All keys are prefixed with "pipeline:" to avoid collisions.

const keyPrefix = "pipeline:"

// jobKey returns the key for a job hash: pipeline:job:{id}
func jobKey(id string) string { return keyPrefix + "job:" + id }

// jobLogsKey returns the List key for a job's log: pipeline:job_logs:{id}
func jobLogsKey(id string) string { return keyPrefix + "job_logs:" + id }

// jobIDsKey is the Set tracking all job IDs for enumeration.
const jobIDsKey = keyPrefix + "job_ids"
