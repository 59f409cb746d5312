package webserver

const nginxTemplate = `# Managed by nebula; local edits are overwritten.
server {
    listen 80;
    listen [::]:80;
    server_name {{.Domain}}{{with .Alias}} {{.}}{{end}};

    location /.well-known/acme-challenge/ {
        root {{.ACMEWebroot}};
    }
{{- if .TLS}}

    location / {
        return 301 https://$host$request_uri;
    }
}

server {
    listen 443 ssl http2;
    listen [::]:443 ssl http2;
    server_name {{.Domain}}{{with .Alias}} {{.}}{{end}};

    ssl_certificate {{.TLS.CertPath}};
    ssl_certificate_key {{.TLS.KeyPath}};
    ssl_protocols TLSv1.2 TLSv1.3;
    ssl_prefer_server_ciphers on;
    ssl_session_cache shared:SSL:10m;
    add_header Strict-Transport-Security "max-age=31536000; includeSubDomains" always;
{{- end}}

    root {{.DocumentRoot}};
    index index.html index.htm{{if .PHP}} index.php{{end}};

    access_log /var/log/nginx/{{.Domain}}.access.log;
    error_log /var/log/nginx/{{.Domain}}.error.log;

    add_header X-Frame-Options "SAMEORIGIN" always;
    add_header X-Content-Type-Options "nosniff" always;
    add_header Referrer-Policy "strict-origin-when-cross-origin" always;
{{if .Proxy}}
    location / {
        proxy_pass http://127.0.0.1:{{.UpstreamPort}};
        proxy_http_version 1.1;
        proxy_set_header Host $host;
        proxy_set_header X-Real-IP $remote_addr;
        proxy_set_header X-Forwarded-For $proxy_add_x_forwarded_for;
        proxy_set_header X-Forwarded-Proto $scheme;
    }
{{- else if .PHP}}
    location / {
        try_files $uri $uri/ /index.php?$query_string;
    }

    location ~ \.php$ {
        include snippets/fastcgi-php.conf;
        fastcgi_pass unix:/run/php/php{{.PHPVersion}}-fpm.sock;
    }
{{- else}}
    location / {
        try_files $uri $uri/ =404;
    }
{{- end}}
{{if not .Proxy}}
    location ~* \.(css|js|png|jpg|jpeg|gif|ico|svg|webp|woff2?)$ {
        expires 30d;
        access_log off;
    }
{{end}}
    location ~ /\.(?!well-known) {
        deny all;
    }
}
`

const apacheTemplate = `# Managed by nebula; local edits are overwritten.
<VirtualHost *:80>
    ServerName {{.Domain}}
{{- with .Alias}}
    ServerAlias {{.}}
{{- end}}
    Alias /.well-known/acme-challenge/ {{.ACMEWebroot}}/.well-known/acme-challenge/
{{- if .TLS}}
    RewriteEngine On
    RewriteCond %{REQUEST_URI} !^/\.well-known/acme-challenge/
    RewriteRule ^ https://%{SERVER_NAME}%{REQUEST_URI} [END,NE,R=permanent]
</VirtualHost>

<VirtualHost *:443>
    ServerName {{.Domain}}
{{- with .Alias}}
    ServerAlias {{.}}
{{- end}}

    SSLEngine on
    SSLCertificateFile {{.TLS.CertPath}}
    SSLCertificateKeyFile {{.TLS.KeyPath}}
    SSLProtocol -all +TLSv1.2 +TLSv1.3
    Header always set Strict-Transport-Security "max-age=31536000; includeSubDomains"
{{- end}}

    DocumentRoot {{.DocumentRoot}}
    <Directory {{.DocumentRoot}}>
        Options -Indexes +FollowSymLinks
        AllowOverride All
        Require all granted
    </Directory>
{{if .Proxy}}
    ProxyPreserveHost On
    ProxyPass / http://127.0.0.1:{{.UpstreamPort}}/
    ProxyPassReverse / http://127.0.0.1:{{.UpstreamPort}}/
{{- else if .PHP}}
    DirectoryIndex index.php index.html
    <FilesMatch \.php$>
        SetHandler "proxy:unix:/run/php/php{{.PHPVersion}}-fpm.sock|fcgi://localhost"
    </FilesMatch>
{{- end}}

    Header always set X-Frame-Options "SAMEORIGIN"
    Header always set X-Content-Type-Options "nosniff"

    ErrorLog ${APACHE_LOG_DIR}/{{.Domain}}.error.log
    CustomLog ${APACHE_LOG_DIR}/{{.Domain}}.access.log combined
</VirtualHost>
`
