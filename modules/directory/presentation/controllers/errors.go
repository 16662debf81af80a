package controllers

import "github.com/jacksonlee411/dirsync/internal/routing"

// Handlers answer with the router's error envelope.
var writeError = routing.WriteError
