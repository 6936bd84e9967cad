/*
Package llm is the request/response adapter between the editor commands and
the OpenAI HTTP API.

# Request Flow

A call runs strictly in sequence on the caller's goroutine:

 1. NewClient builds the Authorization, Content-Type and Cache-Control headers
    and the transport holding the single upstream connection
 2. BuildPayload renders the JSON body for one Mode
 3. Send posts the body to the mode's endpoint
 4. Receive classifies the pending response

# Modes

  - insertion: POST /v1/completions with prompt and suffix split around the placeholder
  - edition: POST /v1/edits with input and instruction
  - completion: POST /v1/completions with the selected text as prompt
  - chat_completion: POST /v1/chat/completions with the system role followed
    by the cached conversation, streamed

# Proxy

When the settings carry a proxy address and port, the transport opens a
CONNECT tunnel through http://address:port to api.openai.com:443.

# Error Handling

Receive turns an upstream context_length_exceeded error into a
*ContextLengthExceededError. Every other 4xx/5xx body becomes an
*UnknownUpstreamError handed to the Presenter, and the response is still
returned to the caller. An unknown mode fails with *InvalidModeError before
any request is made. Nothing is retried here.
*/
package llm
