package authflow

// HTML bodies for the callback endpoint. The error page is deliberately
// identical for every rejection reason.

const successHTML = `<!DOCTYPE html>
<html lang="en">
<head>
<meta charset="UTF-8">
<meta name="viewport" content="width=device-width, initial-scale=1.0">
<title>Authorization complete</title>
<style>
body { font-family: -apple-system, BlinkMacSystemFont, 'Segoe UI', Roboto, sans-serif; display: flex; justify-content: center; align-items: center; height: 100vh; margin: 0; background-color: #f4f4f4; }
.container { text-align: center; padding: 40px; background: white; border-radius: 12px; box-shadow: 0 2px 10px rgba(0,0,0,0.1); }
.icon { font-size: 64px; margin-bottom: 20px; }
h1 { color: #2e7d32; margin-bottom: 10px; }
p { color: #666; }
</style>
</head>
<body>
<div class="container">
<div class="icon">&#10003;</div>
<h1>Authorization complete</h1>
<p>You can close this tab and return to Slack.</p>
</div>
</body>
</html>`

const errorHTML = `<!DOCTYPE html>
<html lang="en">
<head>
<meta charset="UTF-8">
<meta name="viewport" content="width=device-width, initial-scale=1.0">
<title>Authorization error</title>
<style>
body { font-family: -apple-system, BlinkMacSystemFont, 'Segoe UI', Roboto, sans-serif; display: flex; justify-content: center; align-items: center; height: 100vh; margin: 0; background-color: #f4f4f4; }
.container { text-align: center; padding: 40px; background: white; border-radius: 12px; box-shadow: 0 2px 10px rgba(0,0,0,0.1); }
.icon { font-size: 64px; margin-bottom: 20px; }
h1 { color: #c62828; margin-bottom: 10px; }
p { color: #666; }
</style>
</head>
<body>
<div class="container">
<div class="icon">&#10007;</div>
<h1>Authentication failed</h1>
<p>Something went wrong while completing authorization.</p>
<p>Please return to Slack and try again.</p>
</div>
</body>
</html>`
