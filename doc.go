/*
Package gitnotify relays merged pull requests from GitHub webhooks to
long-running subscriber agents, which restart a local process in response
(for example, redeploying a service after its branch merges).

The relay server (cmd/server) runs two listeners:
  - a webhook listener that verifies X-Hub-Signature-256 and forwards
    closed-and-merged pull_request events
  - a WebSocket listener where agents register for a repository

Each agent (cmd/client) connects to the relay, proves knowledge of the shared
secret with a per-repository token, and restarts its command when a merge
lands on the branch it watches. Branch filtering happens in the agent; the
server routes by repository only.

Authentication derives one token per repository from the shared secret:

	token = hex(sha256(repo + ":" + secret))

Agents send the token when registering. GitHub signs webhook bodies with the
same token as the HMAC key, so the webhook secret configured for a repository
on GitHub must be its token, not the raw shared secret.

Usage:

	gitnotify-server --password=secret --webhook-addr=:9002 --ws-addr=:9001
	gitnotify-agent -s ws://relay:9001 -r org/repo -b main -c './serve --port 8080'

Security features include:
  - HMAC-SHA256 webhook signature verification
  - Rate limiting per IP address on the webhook listener
  - Optional restriction of webhook senders to GitHub's hook ranges
  - Connection limits (per-IP and total) on the WebSocket listener
  - TLS for webhooks via Let's Encrypt

The protocol is JSON text frames of the form {command, status, data}.
See package protocol for the message set.
*/
package gitnotify
