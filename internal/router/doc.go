// Package router decides which chats and messages reach the agent and renders
// the text exchanged with it.
package router
