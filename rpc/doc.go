// Package rpc carries sandbox operations over a message broker.
//
// A Client publishes a Request on the request queue and blocks on the
// request's own reply key until the Reply arrives or the response timeout
// elapses. A Server consumes the queue with a bounded number of requests in
// flight, runs each on a sandbox.Executor and publishes the reply. Errors
// cross the wire as {kind, message} and are rebuilt as *sandbox.Error, so
// callers branch on the same kinds locally and remotely.
//
// Usage:
//
//	broker, err := rpc.NewRedisBroker("localhost:6379", 0, "")
//	client := rpc.NewClient(logger, broker, rpc.WithResponseTimeout(time.Minute))
//	result, err := client.Run(ctx, sandbox.RunRequest{Profile: "python", Command: "python3 main.py"})
package rpc
