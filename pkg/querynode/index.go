package querynode

import (
	"net/http"
)

const pageContent = `
<!DOCTYPE html>
<html>
	<head>
		<meta charset="UTF-8">
		<title>Query Node</title>
	</head>
	<body>
		<h1>Query Node</h1>
		<p>Admin Endpoints:</p>
		<ul>
			<li><a href="/admin/queries">Query Contexts</a></li>
			<li><a href="/config">Current Config</a></li>
			<li><a href="/metrics">Metrics</a></li>
		</ul>
	</body>
</html>`

func (t *QueryNode) index(w http.ResponseWriter, _ *http.Request) {
	if _, err := w.Write([]byte(pageContent)); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
}
