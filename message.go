package main

const (
	MsgInvalidRequest = "The request could not be read. Send the image as a JSON body with a base64 \"image\" field, as a multipart form with a \"file\" field, or as the raw request body."

	MsgInvalidImage = "We couldn't analyze this image. Please upload a JPEG or PNG photo between 32 and 8000 pixels on each side."

	MsgAnalysisTimeout = "Analysis is taking longer than expected. Please try again in a moment."

	MsgPending = "Analysis is still in progress. Poll again shortly."

	MsgUnknownJob = "No analysis job exists with this handle. It may have expired."

	MsgUnknownStream = "No stream exists with this handle. Open a new stream to continue."

	MsgStreamClosed = "This stream has been closed. Open a new stream to continue."

	MsgRateLimited = "Frames are arriving faster than this stream can analyze them. Reduce the frame rate."

	MsgInternal = "Something went wrong while analyzing the image. Please try again."
)
