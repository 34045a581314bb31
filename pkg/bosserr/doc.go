/*
Package bosserr defines the domain error type used across the ingest
service.

Every error that can reach a client carries a stable numeric code. The API
layer maps codes to HTTP statuses and renders error bodies as
{status, code, message}. Internal causes are wrapped and preserved for
logging but never change the surfaced code.
*/
package bosserr
