package sqlinline

const QSelectCredential = `--sql 8ac87d09-3cf4-4003-913c-a750fc35175e
select value
from api_credentials
where key = $1;
`

const QUpsertCredential = `--sql 1cfda366-db79-4855-98d5-44719b981c85
insert into api_credentials (key, value, updated_at)
values ($1, $2, now())
on conflict (key) do update
set value = excluded.value, updated_at = now();
`

const QDeleteCredential = `--sql 3269e204-dfc5-41ef-8b0c-cbfc82b36d37
delete from api_credentials
where key = $1;
`
