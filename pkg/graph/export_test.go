package graph

// ClassifyWriteError exposes classifyWriteError to the external tests
var ClassifyWriteError = classifyWriteError
