// Package environment parses the deployment environment name and carries it in a context.
package environment
