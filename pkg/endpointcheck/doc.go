package endpointcheck

// endpointcheck waits for a freshly deployed web endpoint to start answering
// authenticated requests, either behind Cloud Identity Aware Proxy or behind
// the basic auth login service. Deployment tests call it after provisioning
// and block until the endpoint is usable or the wait budget runs out.
