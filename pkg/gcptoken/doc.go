package gcptoken

// gcptoken mints Google OpenID Connect identity tokens for a service account,
// the bearer credential accepted by endpoints behind Cloud Identity Aware
// Proxy. Credentials come from the application default chain; a JSON key
// signs locally, anything metadata backed signs through the IAM credentials
// API.

// see also:
//  https://cloud.google.com/iap/docs/authentication-howto
